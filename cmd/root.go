package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/maskdraft/internal/archive"
	"github.com/lehigh-university-libraries/maskdraft/internal/config"
	"github.com/lehigh-university-libraries/maskdraft/internal/drafts"
	"github.com/lehigh-university-libraries/maskdraft/internal/logging"
	"github.com/lehigh-university-libraries/maskdraft/internal/segment"
	"github.com/lehigh-university-libraries/maskdraft/internal/storage"
)

// app is the wiring shared by every subcommand.
type app struct {
	cfg      *config.Config
	store    *storage.DraftStore
	service  *drafts.Service
	scans    *archive.Store
	closeLog func() error
}

func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "maskdraft",
		Short: "Draft workspace for 3-D scans and their organ masks",
		Long: `Maskdraft stores uploaded NIfTI volumes as drafts, serves 2-D slices of
them and of an editable binary mask, runs organ segmentation, and commits
accepted scans to a permanent store.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")

	// Add subcommands
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newDraftsCmd(&configPath))
	cmd.AddCommand(newScansCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))

	return cmd
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	closeLog, err := logging.Setup(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	store := storage.New(cfg.Storage.WorkspaceDir)
	seg := segment.NewTotalSegmentator(cfg.Segmentation.Binary, cfg.Segmentation.Organ, cfg.Segmentation.Fast)
	return &app{
		cfg:      cfg,
		store:    store,
		service:  drafts.NewService(store, seg, cfg.OverlayColor()),
		scans:    archive.New(cfg.Storage.ScansDir, store),
		closeLog: closeLog,
	}, nil
}
