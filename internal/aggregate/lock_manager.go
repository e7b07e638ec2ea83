package aggregate

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-cnapp/open-cnapp/internal/store"
)

// Lock is a held mutual-exclusion scope. Advisory locks are bound to
// the Postgres session holding them, so Release must return the
// underlying connection as well.
type Lock interface {
	ScopeKind() string
	ScopeName() string
	Release(ctx context.Context) error
}

// LockManager hands out run-scoped locks. Scopes are (kind, name)
// pairs, e.g. ("tenant", "prod-account") or ("sync", "runonce").
type LockManager interface {
	TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error)
	Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error)
}

// NewLockManager builds a LockManager backed by Postgres advisory
// locks. Each held lock pins one pool connection until released.
func NewLockManager(pool *pgxpool.Pool) (LockManager, error) {
	if pool == nil {
		return nil, errors.New("lock pool is nil")
	}
	return &advisoryLockManager{pool: pool}, nil
}

func normalizeScope(kind, name string) (string, string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	name = strings.ToLower(strings.TrimSpace(name))
	if kind == "" {
		return "", "", errors.New("scope kind is required")
	}
	if name == "" {
		return "", "", errors.New("scope name is required")
	}
	return kind, name, nil
}

type advisoryLockManager struct {
	pool *pgxpool.Pool
}

func (m *advisoryLockManager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.pool == nil {
		return nil, false, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	q := store.New(conn)
	key := store.SyncLockKey(scopeKind, scopeName)

	ok, err := q.TryAcquireAdvisoryLock(ctx, key)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return &advisoryLock{
		conn:      conn,
		q:         q,
		key:       key,
		scopeKind: scopeKind,
		scopeName: scopeName,
	}, true, nil
}

func (m *advisoryLockManager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	scopeKind, scopeName, err := normalizeScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.pool == nil {
		return nil, errors.New("lock manager is not configured")
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	q := store.New(conn)
	key := store.SyncLockKey(scopeKind, scopeName)

	if err := q.AcquireAdvisoryLock(ctx, key); err != nil {
		conn.Release()
		return nil, err
	}

	return &advisoryLock{
		conn:      conn,
		q:         q,
		key:       key,
		scopeKind: scopeKind,
		scopeName: scopeName,
	}, nil
}

type advisoryLock struct {
	conn      *pgxpool.Conn
	q         *store.Queries
	key       int64
	scopeKind string
	scopeName string

	releaseOnce sync.Once
}

func (l *advisoryLock) ScopeKind() string { return l.scopeKind }
func (l *advisoryLock) ScopeName() string { return l.scopeName }

func (l *advisoryLock) Release(ctx context.Context) error {
	if l == nil || l.q == nil || l.conn == nil {
		return errors.New("lock is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var unlockErr error
	l.releaseOnce.Do(func() {
		unlockErr = l.q.ReleaseAdvisoryLock(ctx, l.key)
		l.conn.Release()
	})

	return unlockErr
}
