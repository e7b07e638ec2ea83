package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-cnapp/open-cnapp/internal/store"
)

var globalRunOnceLockKey = store.SyncLockKey("sync", "runonce")

type runOnceLockRunner struct {
	pool    *pgxpool.Pool
	inner   Runner
	tryLock bool
}

// NewBlockingRunOnceLockRunner wraps inner so RunOnce waits for the
// global run lock. The scheduler uses this: overlapping ticks queue up
// behind the running pass instead of racing it.
func NewBlockingRunOnceLockRunner(pool *pgxpool.Pool, inner Runner) Runner {
	return &runOnceLockRunner{pool: pool, inner: inner}
}

// NewTryRunOnceLockRunner wraps inner so RunOnce fails fast with
// ErrSyncAlreadyRunning when another pass holds the global run lock.
// API-triggered runs use this to report "already running" immediately.
func NewTryRunOnceLockRunner(pool *pgxpool.Pool, inner Runner) Runner {
	return &runOnceLockRunner{pool: pool, inner: inner, tryLock: true}
}

func (r *runOnceLockRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.pool == nil || r.inner == nil {
		return errors.New("aggregation runner is not configured")
	}

	lockConn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	lockQ := store.New(lockConn)

	locked := false
	defer func() {
		if locked {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lockQ.ReleaseAdvisoryLock(unlockCtx, globalRunOnceLockKey)
		}
		lockConn.Release()
	}()

	if r.tryLock {
		ok, err := lockQ.TryAcquireAdvisoryLock(ctx, globalRunOnceLockKey)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSyncAlreadyRunning
		}
		locked = true
		return r.inner.RunOnce(ctx)
	}

	if err := lockQ.AcquireAdvisoryLock(ctx, globalRunOnceLockKey); err != nil {
		return err
	}
	locked = true
	return r.inner.RunOnce(ctx)
}
