package store

import (
	"context"
	"hash/fnv"
	"strings"
)

// ResyncChannel is the Postgres NOTIFY channel the API uses to ask a
// worker for an immediate sync pass.
const ResyncChannel = "open_cnapp_resync_requested"

// SyncLockKey hashes a scope to the advisory-lock keyspace. Lowercasing
// keeps "Sync" and "sync" on the same lock.
func SyncLockKey(kind, name string) int64 {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))

	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

const tryAcquireAdvisoryLock = `
SELECT pg_try_advisory_lock($1)`

// TryAcquireAdvisoryLock is session-scoped: run it on a dedicated
// connection and release on that same connection.
func (q *Queries) TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var locked bool
	err := q.db.QueryRow(ctx, tryAcquireAdvisoryLock, key).Scan(&locked)
	return locked, err
}

const acquireAdvisoryLock = `
SELECT pg_advisory_lock($1)`

func (q *Queries) AcquireAdvisoryLock(ctx context.Context, key int64) error {
	_, err := q.db.Exec(ctx, acquireAdvisoryLock, key)
	return err
}

const releaseAdvisoryLock = `
SELECT pg_advisory_unlock($1)`

func (q *Queries) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	_, err := q.db.Exec(ctx, releaseAdvisoryLock, key)
	return err
}

const notifyResyncRequested = `
NOTIFY ` + ResyncChannel

func (q *Queries) NotifyResyncRequested(ctx context.Context) error {
	_, err := q.db.Exec(ctx, notifyResyncRequested)
	return err
}
