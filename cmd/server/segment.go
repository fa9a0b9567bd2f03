package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"inteltrace/internal/segment"
)

var segmentAddr string

var segmentStubCmd = &cobra.Command{
	Use:   "segment-stub",
	Short: "Run the placeholder segmentation service on its own",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		created, err := segment.EnsurePlaceholder(cfg.Segment.ImagePath)
		if err != nil {
			return err
		}
		if created {
			logger.Warn("Segmentation image missing, generated placeholder", "path", cfg.Segment.ImagePath)
		}

		server := &http.Server{
			Addr:              segmentAddr,
			Handler:           segment.NewServer(cfg.Segment.ImagePath),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errs := make(chan error, 1)
		go func() {
			logger.Info("Segmentation stub starting", "address", segmentAddr)
			errs <- server.ListenAndServe()
		}()

		select {
		case err := <-errs:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-cmd.Context().Done():
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("Segmentation stub stopping")
			return server.Shutdown(ctx)
		}
	},
}

func init() {
	segmentStubCmd.Flags().StringVar(&segmentAddr, "addr", ":8001", "listen address")
}
