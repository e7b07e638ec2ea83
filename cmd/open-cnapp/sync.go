package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/config"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-off aggregation pass across all enabled tenants.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func runSync() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	syncErr := runner.RunOnce(ctx)
	if syncErr == nil {
		return nil
	}
	if errors.Is(syncErr, context.Canceled) {
		return &exitError{code: 130, err: syncErr, silent: true}
	}
	return &exitError{code: 1, err: syncErr, silent: false}
}
