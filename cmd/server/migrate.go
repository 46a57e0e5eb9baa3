package main

import (
	"github.com/spf13/cobra"

	"pos-sync-server/internal/config"
	"pos-sync-server/internal/repository/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQLite migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging)

		// New runs the embedded migrations before returning
		storage, err := sqlite.New(cmd.Context(), cfg.Database.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return err
		}
		defer storage.Close()

		logger.Info("migrations applied", "path", cfg.Database.SQLitePath)
		return nil
	},
}
