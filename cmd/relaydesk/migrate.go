package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaydesk/relaydesk/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := db.Migrate(cfg.Postgres.DSN()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			cmd.Println("database schema is up to date")
			return nil
		},
	}
}
