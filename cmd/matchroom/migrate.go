package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/whisper/matchroom/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.UsesPostgres() {
			return errors.New("migrate: postgres.dsn is not set")
		}
		if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	},
}
