package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"inteltrace/internal/auth"
	"inteltrace/internal/repository"
	"inteltrace/pkg/models"
)

var (
	seedEmail string
	seedName  string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply the schema and provision the operator user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		repo, err := openRepository(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer repo.Close()

		user, err := repo.GetUserByEmail(ctx, seedEmail)
		switch {
		case err == nil:
			logger.Info("Found existing user", "id", user.ID, "email", user.Email)
		case errors.Is(err, repository.ErrNotFound):
			user = &models.User{Email: seedEmail, Name: seedName}
			if err := repo.CreateUser(ctx, user); err != nil {
				return fmt.Errorf("create user %s: %w", seedEmail, err)
			}
			logger.Info("Created operator user", "id", user.ID, "email", user.Email)
		default:
			return fmt.Errorf("look up user %s: %w", seedEmail, err)
		}

		logger.Info("Seeding complete", "driver", cfg.Storage.Driver)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedEmail, "email", auth.DevEmail, "operator email")
	seedCmd.Flags().StringVar(&seedName, "name", "Local Operator", "operator display name")
}
