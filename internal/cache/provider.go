// Package cache mirrors tenant snapshots into a Valkey instance so
// read-heavy dashboard endpoints can skip Postgres. The mirror is an
// optimization: every caller must fall back to the store on ErrCacheMiss.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Provider defines the minimal cache operations the snapshot mirror needs.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// SnapshotKey names a tenant's cached snapshot for one data type.
func SnapshotKey(tenantID int64, dataType string) string {
	return "snapshot:" + strconv.FormatInt(tenantID, 10) + ":" + dataType
}

// NoopProvider implements Provider but never stores data. It stands in
// when no cache is configured, so callers skip nil checks.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Del is a no-op for the noop cache.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
