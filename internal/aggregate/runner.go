package aggregate

import (
	"context"
	"errors"
)

// Runner executes a single aggregation pass.
type Runner interface {
	RunOnce(context.Context) error
}

var ErrNoEnabledTenants = errors.New("no enabled tenants are configured")

// ErrSyncAlreadyRunning is returned by a try-lock runner when another
// aggregation pass holds the global run lock.
var ErrSyncAlreadyRunning = errors.New("sync is already running")

// ErrSyncQueued is returned when a sync request is accepted but will be
// processed asynchronously by the worker.
var ErrSyncQueued = errors.New("sync queued")
