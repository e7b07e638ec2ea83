package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/config"
	"github.com/open-cnapp/open-cnapp/internal/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background aggregation loop as a standalone process.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be > 0 to run the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	source, _, err := buildSecretsSource(ctx, cfg)
	if err != nil {
		return err
	}
	cacheProvider, err := buildCacheProvider(ctx, cfg)
	if err != nil {
		return err
	}
	if cacheProvider != nil {
		defer cacheProvider.Close()
	}

	agg, err := buildAggregator(pool, source, cacheProvider, cfg)
	if err != nil {
		return err
	}
	runner := aggregate.NewBlockingRunOnceLockRunner(pool, agg)

	var resync chan struct{}
	if cfg.ResyncEnabled {
		resync = make(chan struct{}, 1)
		go func() {
			if err := aggregate.ListenForResyncRequests(ctx, pool, resync); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("resync listener failed", "err", err)
			}
		}()
	}

	slog.Info("aggregation worker started", "interval", cfg.SyncInterval)
	scheduler := aggregate.Scheduler{Runner: runner, Interval: cfg.SyncInterval, Resync: resync}
	metricsServer, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)

	doneCh := make(chan struct{})
	go func() {
		scheduler.Run(ctx)
		close(doneCh)
	}()

	var metricsErr error
	schedulerDone := false
	if metricsErrCh == nil {
		select {
		case <-ctx.Done():
		case <-doneCh:
			schedulerDone = true
		}
	} else {
		select {
		case <-ctx.Done():
		case err := <-metricsErrCh:
			if err != nil {
				metricsErr = err
				slog.Error("metrics server failed", "err", err)
				stop()
			}
		case <-doneCh:
			schedulerDone = true
		}
	}

	if !schedulerDone {
		<-doneCh
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if metricsErr != nil {
		return metricsErr
	}
	return nil
}
