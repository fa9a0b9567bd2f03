package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"inteltrace/internal/api"
	"inteltrace/internal/auth"
	"inteltrace/internal/config"
	"inteltrace/internal/logging"
	"inteltrace/internal/mcp"
	"inteltrace/internal/segment"
	"inteltrace/internal/services"
	"inteltrace/internal/telemetry"
	"inteltrace/internal/tls"
	"inteltrace/internal/zeroshot"
)

// multipartOverhead is added to upload.max_bytes for the body limit so the
// handler, not the middleware, rejects oversized files.
const multipartOverhead = 64 << 10

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"config_file", cfg.File,
		"storage", cfg.Storage.Driver,
		"clip_url", cfg.CLIP.URL,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE login from /docs will fail for a confidential client")
	}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("Storage ready", "driver", cfg.Storage.Driver)

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	encoder, encoderHealth, err := newEncoder(cfg, metrics)
	if err != nil {
		return err
	}

	analyses, err := services.NewAnalysisService(services.AnalysisConfig{
		ThreatPrompts: cfg.Prompts.Threat,
		ScenePrompts:  cfg.Prompts.Scene,
		Similarity:    zeroshot.Similarity(cfg.CLIP.Similarity),
		LogitScale:    cfg.CLIP.LogitScale,
		UploadsDir:    cfg.Upload.UploadsDir,
		MaxSide:       cfg.Upload.MaxSide,
		MaxPixels:     cfg.Upload.MaxPixels,
	}, encoder, repo, metrics, logger.With("component", "analysis"))
	if err != nil {
		return err
	}
	go warmUp(ctx, analyses, logger)
	conversations := services.NewConversationService(repo)

	created, err := segment.EnsurePlaceholder(cfg.Segment.ImagePath)
	if err != nil {
		return err
	}
	if created {
		logger.Warn("Segmentation image missing, generated placeholder", "path", cfg.Segment.ImagePath)
	}

	authz, err := auth.New(ctx, cfg, repo, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypassed() {
		logger.Warn("Authentication bypassed", "user", auth.DevEmail)
	}

	e := newEcho(cfg, logger)

	renderer, err := api.NewRenderer(cfg.Web.TemplatesDir)
	if err != nil {
		logger.Warn("Home page disabled", "error", err)
	} else {
		e.Renderer = renderer
		e.GET("/", api.HandleHome(cfg.Prompts.Threat))
	}
	e.Static("/static/uploads", cfg.Upload.UploadsDir)
	e.Static("/static", cfg.Upload.StaticDir)

	ops := api.NewHandler(map[string]api.Check{
		"storage": repo.Ping,
		"clip":    encoderHealth,
	})
	e.GET("/health", ops.HandleHealth)
	e.GET("/ready", ops.HandleReady)

	apiServer := api.NewServer(analyses, conversations, cfg.Upload.MaxBytes)
	e.POST("/analyze", apiServer.Analyze)
	segment.NewHandler(cfg.Segment.ImagePath).Register(e, "/segment")

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(authz.RequireAuth))
	api.RegisterHandlers(apiGroup, apiServer)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(analyses, conversations, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp*", echo.WrapHandler(authz.RequireAuth(mcpHandlers)))
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Web.OpenAPIPath, cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID, auth.AllScopes)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	return listen(ctx, cfg, e, logger)
}

func newEcho(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	if cfg.Upload.MaxBytes > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dB", cfg.Upload.MaxBytes+multipartOverhead)))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowCredentials: true,
	}))
	e.Use(otelecho.Middleware("inteltrace"))
	return e
}

// newEncoder returns the CLIP encoder and its health probe. An empty URL
// selects the null encoder.
func newEncoder(cfg *config.Config, metrics *telemetry.Metrics) (services.Encoder, api.Check, error) {
	if cfg.CLIP.URL == "" {
		return services.NullEncoder{}, func(context.Context) error { return services.ErrEncoderUnavailable }, nil
	}

	remote := services.NewHTTPEncoder(cfg.CLIP.URL, cfg.CLIP.Model,
		services.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.CLIP.TimeoutSec) * time.Second}),
		services.WithMaxRetries(cfg.CLIP.MaxRetries),
		services.WithMetrics(metrics),
	)
	cached, err := services.NewCachedEncoder(remote, cfg.CLIP.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	return cached, remote.Health, nil
}

// warmUp fills the prompt cache so the first upload is not slowed down.
func warmUp(ctx context.Context, analyses *services.AnalysisService, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := analyses.WarmUp(ctx); err != nil {
		logger.Warn("Prompt warm-up failed; prompts will be encoded on first use", "error", err)
		return
	}
	logger.Info("Prompt embeddings cached")
}

func listen(ctx context.Context, cfg *config.Config, handler http.Handler, logger *logging.Logger) error {
	if cfg.TLS.Enable {
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("prepare tls certificate: %w", err)
		}
		if created {
			logger.Warn("Generated self-signed certificate", "cert", cfg.TLS.CertFile)
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
			return err
		}

		logger.Info("Server stopped gracefully")
		return nil
	}
}
