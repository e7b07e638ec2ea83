package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/open-cnapp/open-cnapp/internal/cache"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

type fakeRows struct {
	tenants []store.Tenant
	idx     int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.tenants)
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanTenantInto(r.tenants[r.idx-1], dest...)
}

type fakeRow struct {
	tenant store.Tenant
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanTenantInto(r.tenant, dest...)
}

func scanTenantInto(t store.Tenant, dest ...any) error {
	if len(dest) != 12 {
		return fmt.Errorf("expected 12 scan targets, got %d", len(dest))
	}
	*(dest[0].(*int64)) = t.ID
	*(dest[1].(*string)) = t.Name
	*(dest[2].(*string)) = t.Account
	*(dest[3].(*string)) = t.APIKeyID
	*(dest[4].(*string)) = t.APISecretEnc
	*(dest[5].(*string)) = t.SubAccount
	*(dest[6].(*bool)) = t.Enabled
	*(dest[7].(**time.Time)) = t.LastSyncAt
	*(dest[8].(*string)) = t.LastSyncStatus
	*(dest[9].(**string)) = t.LastSyncError
	*(dest[10].(*time.Time)) = t.CreatedAt
	*(dest[11].(*time.Time)) = t.UpdatedAt
	return nil
}

type fakeDBTX struct {
	mu      sync.Mutex
	execSQL []string
	execErr error

	tenants  []store.Tenant
	queryErr error

	row    store.Tenant
	rowErr error
}

func (db *fakeDBTX) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	db.execSQL = append(db.execSQL, sql)
	db.mu.Unlock()
	return pgconn.CommandTag{}, db.execErr
}

func (db *fakeDBTX) Query(context.Context, string, ...any) (pgx.Rows, error) {
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	return &fakeRows{tenants: db.tenants}, nil
}

func (db *fakeDBTX) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{tenant: db.row, err: db.rowErr}
}

func (db *fakeDBTX) execContains(fragment string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, sql := range db.execSQL {
		if strings.Contains(sql, fragment) {
			return true
		}
	}
	return false
}

type stubSecretSource struct {
	secret string
	err    error
}

func (s stubSecretSource) Secret(context.Context, string, string) (string, error) {
	return s.secret, s.err
}

type recordingReporter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingReporter) Report(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingReporter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type recordingCache struct {
	mu   sync.Mutex
	sets map[string][]byte
}

func newRecordingCache() *recordingCache {
	return &recordingCache{sets: make(map[string][]byte)}
}

func (c *recordingCache) Get(context.Context, string) ([]byte, error) {
	return nil, cache.ErrCacheMiss
}

func (c *recordingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	c.sets[key] = value
	c.mu.Unlock()
	return nil
}

func (c *recordingCache) Del(context.Context, string) error { return nil }
func (c *recordingCache) Close() error                      { return nil }

type recordedLock struct {
	kind, name string
	mu         sync.Mutex
	releases   int
}

func (l *recordedLock) ScopeKind() string { return l.kind }
func (l *recordedLock) ScopeName() string { return l.name }

func (l *recordedLock) Release(context.Context) error {
	l.mu.Lock()
	l.releases++
	l.mu.Unlock()
	return nil
}

type recordingLockManager struct {
	mu       sync.Mutex
	acquired []*recordedLock
}

func (m *recordingLockManager) TryAcquire(_ context.Context, kind, name string) (Lock, bool, error) {
	lock, err := m.Acquire(context.Background(), kind, name)
	return lock, true, err
}

func (m *recordingLockManager) Acquire(_ context.Context, kind, name string) (Lock, error) {
	lock := &recordedLock{kind: kind, name: name}
	m.mu.Lock()
	m.acquired = append(m.acquired, lock)
	m.mu.Unlock()
	return lock, nil
}

func testAggregator(db store.DBTX) *Aggregator {
	a := &Aggregator{
		q:       store.New(db),
		secrets: stubSecretSource{secret: "sekrit"},
		cache:   cache.NoopProvider{},
		workers: 2,
		now:     time.Now,
	}
	a.fetchFn = func(context.Context, store.Tenant, string) TenantData {
		return TenantData{Status: store.SyncStatusHealthy}
	}
	a.persistFn = func(context.Context, store.Tenant, TenantData, time.Time) error {
		return nil
	}
	return a
}

func TestSyncTenantPersistsHealthyOutcome(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	a := testAggregator(db)

	var persisted TenantData
	a.fetchFn = func(_ context.Context, _ store.Tenant, secret string) TenantData {
		if secret != "sekrit" {
			t.Errorf("fetch received secret %q, want sekrit", secret)
		}
		return TenantData{
			Status: store.SyncStatusHealthy,
			Alerts: rawRecords(`{"alertId":1}`, `{"alertId":2}`),
		}
	}
	a.persistFn = func(_ context.Context, _ store.Tenant, data TenantData, _ time.Time) error {
		persisted = data
		return nil
	}

	mirror := newRecordingCache()
	a.cache = mirror
	a.cacheTTL = time.Minute

	reporter := &recordingReporter{}
	a.reporter = reporter

	data, err := a.syncTenant(context.Background(), store.Tenant{ID: 7, Name: "prod"})
	if err != nil {
		t.Fatalf("syncTenant() error = %v", err)
	}
	if data.Status != store.SyncStatusHealthy {
		t.Fatalf("Status = %q, want healthy", data.Status)
	}
	if persisted.Status != store.SyncStatusHealthy || len(persisted.Alerts) != 2 {
		t.Fatalf("persisted = %+v, want healthy with 2 alerts", persisted)
	}
	if !db.execContains("last_sync_status = 'fetching'") {
		t.Fatal("expected tenant to be marked fetching before the fetch")
	}

	mirror.mu.Lock()
	mirrored := len(mirror.sets)
	alertsPayload := string(mirror.sets[cache.SnapshotKey(7, store.DataTypeAlerts)])
	mirror.mu.Unlock()
	if mirrored != len(store.DataTypes) {
		t.Fatalf("mirrored %d cache entries, want %d", mirrored, len(store.DataTypes))
	}
	if !strings.Contains(alertsPayload, `"alertId":1`) {
		t.Fatalf("mirrored alerts payload = %s", alertsPayload)
	}

	var sawDone bool
	for _, e := range reporter.Events() {
		if e.Source == "prod" && e.Done {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected a done event for the tenant")
	}
}

func TestSyncTenantIsolatesProviderFailures(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	a := testAggregator(db)
	a.fetchFn = func(context.Context, store.Tenant, string) TenantData {
		return errorTenantData(errors.New("request failed with status 503"))
	}

	var persisted TenantData
	a.persistFn = func(_ context.Context, _ store.Tenant, data TenantData, _ time.Time) error {
		persisted = data
		return nil
	}

	reporter := &recordingReporter{}
	a.reporter = reporter

	_, err := a.syncTenant(context.Background(), store.Tenant{ID: 1, Name: "staging"})
	if err != nil {
		t.Fatalf("syncTenant() error = %v, provider failures must not propagate", err)
	}
	if persisted.Status != store.SyncStatusError {
		t.Fatalf("persisted status = %q, want error", persisted.Status)
	}
	if !strings.Contains(persisted.Error, "503") {
		t.Fatalf("persisted error = %q, want retained message", persisted.Error)
	}
	if len(persisted.Alerts) != 0 {
		t.Fatalf("persisted alerts = %d, want 0", len(persisted.Alerts))
	}

	var sawErr bool
	for _, e := range reporter.Events() {
		if e.Source == "staging" && e.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected an error event for the tenant")
	}
}

func TestSyncTenantRecordsSecretResolutionFailure(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	a := testAggregator(db)
	a.secrets = stubSecretSource{err: errors.New("vault sealed")}

	fetched := false
	a.fetchFn = func(context.Context, store.Tenant, string) TenantData {
		fetched = true
		return TenantData{Status: store.SyncStatusHealthy}
	}

	var persisted TenantData
	a.persistFn = func(_ context.Context, _ store.Tenant, data TenantData, _ time.Time) error {
		persisted = data
		return nil
	}

	_, err := a.syncTenant(context.Background(), store.Tenant{ID: 2, Name: "dev"})
	if err != nil {
		t.Fatalf("syncTenant() error = %v", err)
	}
	if fetched {
		t.Fatal("fetch must not run when the secret cannot be resolved")
	}
	if persisted.Status != store.SyncStatusError || !strings.Contains(persisted.Error, "vault sealed") {
		t.Fatalf("persisted = %+v, want error status with vault message", persisted)
	}
}

func TestSyncTenantReturnsPersistFailures(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	a := testAggregator(db)
	dbDown := errors.New("db down")
	a.persistFn = func(context.Context, store.Tenant, TenantData, time.Time) error {
		return dbDown
	}

	_, err := a.syncTenant(context.Background(), store.Tenant{ID: 3, Name: "prod"})
	if !errors.Is(err, dbDown) {
		t.Fatalf("syncTenant() error = %v, want db down", err)
	}
}

func TestSyncTenantHoldsTenantLock(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{}
	a := testAggregator(db)
	locks := &recordingLockManager{}
	a.locks = locks

	if _, err := a.syncTenant(context.Background(), store.Tenant{ID: 4, Name: "Prod-East"}); err != nil {
		t.Fatalf("syncTenant() error = %v", err)
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()
	if len(locks.acquired) != 1 {
		t.Fatalf("acquired %d locks, want 1", len(locks.acquired))
	}
	lock := locks.acquired[0]
	if lock.kind != "tenant" || lock.name != "prod-east" {
		t.Fatalf("lock scope = %s/%s, want tenant/prod-east", lock.kind, lock.name)
	}
	if lock.releases != 1 {
		t.Fatalf("lock released %d times, want 1", lock.releases)
	}
}

func TestRunOnceIsolatesTenantFailures(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{tenants: []store.Tenant{
		{ID: 1, Name: "alpha"},
		{ID: 2, Name: "bravo"},
		{ID: 3, Name: "charlie"},
	}}
	a := testAggregator(db)

	a.fetchFn = func(_ context.Context, tenant store.Tenant, _ string) TenantData {
		if tenant.Name == "bravo" {
			return errorTenantData(errors.New("token request failed"))
		}
		return TenantData{Status: store.SyncStatusHealthy}
	}

	var persistCalls int64
	a.persistFn = func(_ context.Context, tenant store.Tenant, _ TenantData, _ time.Time) error {
		atomic.AddInt64(&persistCalls, 1)
		if tenant.Name == "charlie" {
			return errors.New("snapshot write refused")
		}
		return nil
	}

	err := a.RunOnce(context.Background())
	if err == nil {
		t.Fatal("RunOnce() = nil, want joined infrastructure error")
	}
	if !strings.Contains(err.Error(), "tenant charlie") {
		t.Fatalf("RunOnce() error = %v, want tenant charlie failure", err)
	}
	if strings.Contains(err.Error(), "bravo") {
		t.Fatalf("RunOnce() error = %v, provider failure for bravo must stay on the tenant record", err)
	}
	if got := atomic.LoadInt64(&persistCalls); got != 3 {
		t.Fatalf("persist calls = %d, want 3 (every tenant persisted)", got)
	}
}

func TestRunOnceWithoutEnabledTenants(t *testing.T) {
	t.Parallel()

	a := testAggregator(&fakeDBTX{})
	if err := a.RunOnce(context.Background()); !errors.Is(err, ErrNoEnabledTenants) {
		t.Fatalf("RunOnce() error = %v, want ErrNoEnabledTenants", err)
	}
}

func TestRunOnceStampsRunID(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{tenants: []store.Tenant{{ID: 1, Name: "alpha"}}}
	a := testAggregator(db)
	reporter := &recordingReporter{}
	a.reporter = reporter

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	events := reporter.Events()
	if len(events) == 0 {
		t.Fatal("expected reporter events")
	}
	runID := events[0].RunID
	if runID == "" {
		t.Fatal("expected a run id on reporter events")
	}
	for _, e := range events {
		if e.RunID != runID {
			t.Fatalf("event run id = %q, want %q on all events", e.RunID, runID)
		}
	}
}

func TestRunTenantLooksUpTenant(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{row: store.Tenant{ID: 9, Name: "solo"}}
	a := testAggregator(db)

	var persisted store.Tenant
	a.persistFn = func(_ context.Context, tenant store.Tenant, _ TenantData, _ time.Time) error {
		persisted = tenant
		return nil
	}

	data, err := a.RunTenant(context.Background(), 9)
	if err != nil {
		t.Fatalf("RunTenant() error = %v", err)
	}
	if data.Status != store.SyncStatusHealthy {
		t.Fatalf("Status = %q, want healthy", data.Status)
	}
	if persisted.ID != 9 || persisted.Name != "solo" {
		t.Fatalf("persisted tenant = %+v, want id 9", persisted)
	}
}

func TestRunTenantPropagatesNotFound(t *testing.T) {
	t.Parallel()

	db := &fakeDBTX{rowErr: pgx.ErrNoRows}
	a := testAggregator(db)

	if _, err := a.RunTenant(context.Background(), 404); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("RunTenant() error = %v, want pgx.ErrNoRows", err)
	}
}
