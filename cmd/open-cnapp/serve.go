package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/pgxstore"
	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/config"
	httpapp "github.com/open-cnapp/open-cnapp/internal/http"
	"github.com/open-cnapp/open-cnapp/internal/http/handlers"
	"github.com/open-cnapp/open-cnapp/internal/metrics"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

const sessionLifetime = 12 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, in inline mode, the background aggregation loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	queries := store.New(pool)

	source, cipher, err := buildSecretsSource(ctx, cfg)
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

	// Scheduled passes run here unless a dedicated worker process owns
	// them (RESYNC_MODE=queue hands the loop to `open-cnapp worker`).
	if cfg.ResyncMode == "inline" && cfg.SyncInterval > 0 {
		scheduler := aggregate.Scheduler{
			Runner:   aggregate.NewBlockingRunOnceLockRunner(pool, agg),
			Interval: cfg.SyncInterval,
		}
		go scheduler.Run(ctx)
	}

	var syncer handlers.SyncRunner
	if cfg.ResyncEnabled {
		if cfg.ResyncMode == "queue" {
			syncer = aggregate.NewResyncSignalRunner(pool)
		} else {
			syncer = aggregate.NewTryRunOnceLockRunner(pool, agg)
		}
	}

	sessions := scs.New()
	sessions.Store = pgxstore.New(pool)
	sessions.Lifetime = sessionLifetime
	sessions.Cookie.Name = "open_cnapp_session"
	sessions.Cookie.HttpOnly = true
	sessions.Cookie.SameSite = http.SameSiteLaxMode
	sessions.Cookie.Secure = cfg.AuthCookieSecure

	h := &handlers.Handlers{
		Cfg:          cfg,
		Q:            queries,
		Pool:         pool,
		Sessions:     sessions,
		Syncer:       syncer,
		TenantSyncer: agg,
		Secrets:      source,
		Cipher:       cipher,
		Cache:        cacheProvider,
	}

	srv, err := httpapp.NewEchoServer(h)
	if err != nil {
		return err
	}

	metricsServer, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.StartServer(httpServer)
	}()

	// A nil metricsErrCh never fires, which is exactly right when the
	// metrics server is disabled.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case err := <-metricsErrCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return runErr
}
