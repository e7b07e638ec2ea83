package aggregate

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives periodic aggregation passes: one immediately at
// startup, then one per interval. When Resync is set, a receive on it
// triggers an extra pass between ticks (fed by ListenForResyncRequests).
type Scheduler struct {
	Runner   Runner
	Interval time.Duration
	Resync   <-chan struct{}
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}

	// Run immediately at startup.
	if err := s.Runner.RunOnce(ctx); err != nil {
		slog.Error("initial aggregation failed", "err", err)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Runner.RunOnce(ctx); err != nil {
				slog.Error("scheduled aggregation failed", "err", err)
			}
		case <-s.Resync:
			if err := s.Runner.RunOnce(ctx); err != nil {
				slog.Error("requested aggregation failed", "err", err)
			}
		}
	}
}
