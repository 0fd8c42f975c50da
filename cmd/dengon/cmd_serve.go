package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/dengon/internal/config"
	"github.com/ashita-ai/dengon/internal/search"
	"github.com/ashita-ai/dengon/internal/server"
	"github.com/ashita-ai/dengon/internal/worker"
	"github.com/ashita-ai/dengon/migrations"
)

// shutdownTimeout bounds each graceful shutdown phase.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the incoming worker, every configured delivery worker and the health server",
		Long: `Runs the full pipeline in one process: the AI incoming worker, a delivery
worker per channel in DENGON_CHANNELS whose adapter is configured, the
knowledge outbox sync when Qdrant is enabled, and the health endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending database migrations before starting")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) error {
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		applied, err := a.db.RunMigrations(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "count", len(applied))
	}

	pub, err := a.newPublisher(ctx)
	if err != nil {
		return err
	}
	searcher, index, err := a.newSearchIndex(ctx)
	if err != nil {
		return err
	}
	var outbox *search.OutboxWorker
	if index != nil {
		outbox = search.NewOutboxWorker(a.db.Pool(), index, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outbox.Start(ctx)
	}

	registry, err := newChannels(cfg, logger)
	if err != nil {
		return err
	}
	incoming, err := a.newIncomingLoop(registry, searcher, pub)
	if err != nil {
		return err
	}
	loops := []*worker.Loop{incoming}

	limiter := a.newLimiter()
	for _, name := range cfg.Channels {
		l, err := a.newDeliveryLoop(registry, name, limiter, pub)
		if errors.Is(err, errChannelNotConfigured) {
			logger.Warn("delivery: channel has no adapter credentials, not starting", "channel", name)
			continue
		}
		if err != nil {
			return err
		}
		loops = append(loops, l)
	}

	err = a.runLoops(ctx, searcher, loops...)

	if outbox != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		outbox.Drain(drainCtx)
		cancel()
	}
	logger.Info("dengon stopped")
	return err
}

// runLoops runs the consume loops alongside the health server until ctx is
// cancelled or any of them fails.
func (a *app) runLoops(ctx context.Context, searcher search.Searcher, loops ...*worker.Loop) error {
	health := server.New(server.Config{
		DB:       a.db,
		Bus:      a.bus,
		Searcher: searcher,
		Logger:   a.logger,
		Port:     a.cfg.HealthPort,
		Version:  version,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}
	g.Go(func() error {
		if err := health.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return health.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
