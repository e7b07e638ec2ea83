package aggregate

import (
	"context"

	"github.com/google/uuid"
)

type runContextKey int

const runContextKeyRunID runContextKey = iota

// WithRunID stamps an explicit run correlation id onto the context.
// Blank ids are ignored so callers can pass through optional values.
func WithRunID(ctx context.Context, runID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runContextKeyRunID, runID)
}

// EnsureRunID returns a context carrying a run correlation id, minting
// a fresh one when the context has none.
func EnsureRunID(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if RunIDFromContext(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, runContextKeyRunID, uuid.NewString())
}

// RunIDFromContext returns the run correlation id, or "" when the
// context was never stamped.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runContextKeyRunID).(string)
	return id
}
