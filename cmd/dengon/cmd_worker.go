package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "dengon worker" command group, for deployments
// that scale the incoming and delivery workers separately.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker type",
	}
	cmd.AddCommand(newWorkerIncomingCmd(), newWorkerDeliveryCmd())
	return cmd
}

func newWorkerIncomingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incoming",
		Short: "Answer inbound messages with the configured agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			pub, err := a.newPublisher(ctx)
			if err != nil {
				return err
			}
			searcher, _, err := a.newSearchIndex(ctx)
			if err != nil {
				return err
			}
			registry, err := newChannels(cfg, logger)
			if err != nil {
				return err
			}
			loop, err := a.newIncomingLoop(registry, searcher, pub)
			if err != nil {
				return err
			}
			return a.runLoops(ctx, searcher, loop)
		},
	}
}

func newWorkerDeliveryCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delivery",
		Short: "Send pending replies through one channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return fmt.Errorf("--channel is required")
			}
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			pub, err := a.newPublisher(ctx)
			if err != nil {
				return err
			}
			registry, err := newChannels(cfg, logger)
			if err != nil {
				return err
			}
			loop, err := a.newDeliveryLoop(registry, name, a.newLimiter(), pub)
			if err != nil {
				return err
			}
			return a.runLoops(ctx, nil, loop)
		},
	}
	cmd.Flags().StringVar(&name, "channel", "", "channel to deliver, e.g. whatsapp or email (required)")
	return cmd
}
