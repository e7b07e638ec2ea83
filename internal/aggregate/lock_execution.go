package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// runWithLock executes run while holding lock, releasing it afterwards
// even when the surrounding context was cancelled. Release gets its own
// deadline so a wedged run cannot leave the lock pinned forever.
func runWithLock(ctx context.Context, lock Lock, run func(context.Context) error) error {
	if lock == nil {
		return errors.New("aggregation lock is nil")
	}
	if run == nil {
		return errors.New("aggregation run function is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(unlockCtx); err != nil {
			slog.Warn("failed to release aggregation lock", "scope_kind", lock.ScopeKind(), "scope_name", lock.ScopeName(), "err", err)
		}
	}()

	return run(ctx)
}
