package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-cnapp/open-cnapp/internal/store"
)

// ResyncSignalRunner satisfies Runner by handing the run off to the
// worker process over Postgres NOTIFY. When a run already holds the
// global lock the request is rejected rather than queued, so callers
// get the same ErrSyncAlreadyRunning signal as the inline mode.
type ResyncSignalRunner struct {
	pool *pgxpool.Pool
}

func NewResyncSignalRunner(pool *pgxpool.Pool) Runner {
	return &ResyncSignalRunner{pool: pool}
}

func (r *ResyncSignalRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return errors.New("aggregation runner is not configured")
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	q := store.New(conn)
	defer conn.Release()

	locked, err := q.TryAcquireAdvisoryLock(ctx, globalRunOnceLockKey)
	if err != nil {
		return err
	}
	if !locked {
		return ErrSyncAlreadyRunning
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.ReleaseAdvisoryLock(unlockCtx, globalRunOnceLockKey)
	}()

	if err := q.NotifyResyncRequested(ctx); err != nil {
		return err
	}
	return ErrSyncQueued
}

// ListenForResyncRequests blocks on a LISTEN connection and forwards
// each notification as a non-blocking send on out. It returns nil when
// the context ends.
func ListenForResyncRequests(ctx context.Context, pool *pgxpool.Pool, out chan<- struct{}) error {
	if pool == nil {
		return errors.New("aggregation pool is nil")
	}
	if out == nil {
		return errors.New("resync signal channel is nil")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+store.ResyncChannel); err != nil {
		return err
	}

	for {
		_, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}
