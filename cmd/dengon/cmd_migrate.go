package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			applied, err := db.RunMigrations(ctx, migrations.FS)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if len(applied) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}
