package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dengon/internal/storage"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream outbound message status changes (sent, failed) as JSON lines",
		Long: `Listens on the dengon_message_status notification channel and prints each
payload. Requires NOTIFY_URL, a direct (non-pooled) Postgres connection.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NotifyURL == "" {
				return fmt.Errorf("watch: NOTIFY_URL is required")
			}
			db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
			if err != nil {
				return err
			}
			defer db.Close(context.Background())

			if err := db.Listen(ctx, storage.ChannelMessageStatus); err != nil {
				return err
			}
			for {
				_, payload, err := db.WaitForNotification(ctx)
				if err != nil {
					if errors.Is(ctx.Err(), context.Canceled) {
						return nil
					}
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), payload)
			}
		},
	}
}
