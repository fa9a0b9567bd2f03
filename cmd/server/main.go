package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"inteltrace/internal/api"
	"inteltrace/internal/config"
	"inteltrace/internal/logging"
	"inteltrace/internal/repository"
)

var (
	cfgFile string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "inteltrace",
	Short: "Zero-shot threat scan service",
	Long: `inteltrace scores uploaded masked imagery against a list of threat
prompts using a CLIP embedding sidecar and explains the result.

Without a subcommand the HTTP server is started.

Subcommands:
  inteltrace serve           run the HTTP server
  inteltrace seed            apply the schema and create the operator user
  inteltrace segment-stub    run the placeholder segmentation service`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, seedCmd, segmentStubCmd)
}

func main() {
	api.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the matching logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.IsDev())
	return cfg, logger, nil
}

// openRepository opens the configured store. Postgres schemas are applied on
// open; the statements are idempotent.
func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := repository.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "badger", "":
		logger.Debug("Opening badger store", "dir", cfg.Storage.BadgerDir)
		store, err := repository.OpenBadgerStore(cfg.Storage.BadgerDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
