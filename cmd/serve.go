package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/maskdraft/internal/handlers"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the draft and mask HTTP API",
		Long: `Starts the maskdraft HTTP API on the configured port.

Clients upload volumes, page through axial, coronal and sagittal slices,
paint mask slices, run segmentation and commit finished items.`,
		Example: `  # Start server on the configured port (default 8888)
  maskdraft serve

  # Start server on custom port
  maskdraft serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.closeLog()

			if port == "" {
				port = a.cfg.Server.Port
			}

			handler := handlers.New(a.service, a.scans, handlers.Options{
				DefaultAlpha:   a.cfg.Overlay.Alpha,
				MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
			})

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Maskdraft API available",
					"addr", addr,
					"url", "http://localhost"+addr,
					"workspace", a.cfg.Storage.WorkspaceDir,
					"scans", a.cfg.Storage.ScansDir,
					"max_upload", humanize.Bytes(uint64(a.cfg.Server.MaxUploadBytes)),
				)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				// In-flight segmentations get 30s to finish.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides config)")

	return cmd
}
