package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-cnapp/open-cnapp/internal/cache"
	"github.com/open-cnapp/open-cnapp/internal/lacework"
	"github.com/open-cnapp/open-cnapp/internal/metrics"
	"github.com/open-cnapp/open-cnapp/internal/secrets"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

const defaultTenantWorkers = 4

// Aggregator fans an aggregation pass out over the enabled tenants.
// Each tenant is fetched and persisted independently: one tenant's
// provider failure lands on that tenant's record and never disturbs
// the others.
type Aggregator struct {
	pool     *pgxpool.Pool
	q        *store.Queries
	secrets  secrets.Source
	cache    cache.Provider
	cacheTTL time.Duration
	locks    LockManager
	reporter Reporter
	workers  int

	fetchFn   func(ctx context.Context, tenant store.Tenant, secret string) TenantData
	persistFn func(ctx context.Context, tenant store.Tenant, data TenantData, fetchedAt time.Time) error
	now       func() time.Time
}

// NewAggregator builds an Aggregator over the given pool and secrets
// backend. Locking, reporting, caching, and worker count are optional
// and attached via the setters before the first run.
func NewAggregator(pool *pgxpool.Pool, source secrets.Source) *Aggregator {
	a := &Aggregator{
		pool:    pool,
		q:       store.New(pool),
		secrets: source,
		cache:   cache.NoopProvider{},
		workers: defaultTenantWorkers,
		now:     time.Now,
	}
	a.fetchFn = a.fetchTenant
	a.persistFn = a.persistTenant
	return a
}

// SetReporter attaches a progress reporter.
func (a *Aggregator) SetReporter(r Reporter) { a.reporter = r }

// SetLockManager enables per-tenant locking. Without a manager,
// tenants run unlocked; the global runonce lock still serializes whole
// passes.
func (a *Aggregator) SetLockManager(m LockManager) { a.locks = m }

// SetCache attaches a snapshot mirror with the given entry TTL.
func (a *Aggregator) SetCache(p cache.Provider, ttl time.Duration) {
	if p != nil {
		a.cache = p
		a.cacheTTL = ttl
	}
}

// SetTenantWorkers bounds how many tenants aggregate concurrently.
func (a *Aggregator) SetTenantWorkers(n int) {
	if n > 0 {
		a.workers = n
	}
}

func (a *Aggregator) report(e Event) {
	if a.reporter == nil {
		return
	}
	if e.At.IsZero() {
		e.At = a.now()
	}
	a.reporter.Report(e)
}

// RunOnce aggregates every enabled tenant. The returned error joins
// infrastructure failures (locking, persistence); tenants whose
// provider fetch failed are recorded with an error status and do not
// fail the pass.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	if a == nil || a.q == nil {
		return errors.New("aggregator is not configured")
	}
	ctx = EnsureRunID(ctx)
	runID := RunIDFromContext(ctx)

	tenants, err := a.q.ListEnabledTenants(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return ErrNoEnabledTenants
	}

	slog.Info("aggregation run starting", "run_id", runID, "tenants", len(tenants))
	a.report(Event{
		RunID:   runID,
		Source:  "aggregate",
		Stage:   "run",
		Total:   int64(len(tenants)),
		Message: fmt.Sprintf("aggregating %d tenants", len(tenants)),
	})

	results := ParallelCollect(ctx, tenants, a.workers, func(ctx context.Context, tenant store.Tenant) (TenantData, error) {
		return a.syncTenant(ctx, tenant)
	}, func(done, total int64) {
		a.report(Event{
			RunID:   runID,
			Source:  "aggregate",
			Stage:   "tenants",
			Current: done,
			Total:   total,
			Message: fmt.Sprintf("tenants %d/%d", done, total),
		})
	})

	var errs []error
	for i, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenants[i].Name, res.Err))
		}
	}
	err = errors.Join(errs...)
	a.report(Event{RunID: runID, Source: "aggregate", Stage: "run", Done: true, Err: err})
	return err
}

// RunTenant aggregates a single tenant immediately, outside any
// scheduled pass. The returned TenantData is what was persisted; the
// error covers lookup and infrastructure failures.
func (a *Aggregator) RunTenant(ctx context.Context, tenantID int64) (TenantData, error) {
	if a == nil || a.q == nil {
		return TenantData{}, errors.New("aggregator is not configured")
	}
	ctx = EnsureRunID(ctx)

	tenant, err := a.q.GetTenantByID(ctx, tenantID)
	if err != nil {
		return TenantData{}, err
	}
	return a.syncTenant(ctx, tenant)
}

// syncTenant runs one tenant's fetch-and-persist under its advisory
// lock. The returned error covers infrastructure failures only;
// provider-side failures are persisted on the tenant record and
// reported, but do not fail the surrounding run.
func (a *Aggregator) syncTenant(ctx context.Context, tenant store.Tenant) (TenantData, error) {
	runID := RunIDFromContext(ctx)
	start := time.Now()
	a.report(Event{RunID: runID, Source: tenant.Name, Stage: "fetch", Message: "aggregating tenant findings"})

	var data TenantData
	err := a.withTenantLock(ctx, tenant.Name, func(lockCtx context.Context) error {
		if err := a.q.MarkTenantFetching(lockCtx, tenant.ID); err != nil {
			return err
		}

		secret, err := a.secrets.Secret(lockCtx, tenant.Name, tenant.APISecretEnc)
		if err != nil {
			data = errorTenantData(fmt.Errorf("resolve api secret: %w", err))
		} else {
			data = a.fetchFn(lockCtx, tenant, secret)
		}

		if err := a.persistFn(lockCtx, tenant, data, a.now().UTC()); err != nil {
			metrics.SnapshotWriteFailuresTotal.WithLabelValues(tenant.Name).Inc()
			return err
		}
		return nil
	})

	metrics.TenantFetchDuration.WithLabelValues(tenant.Name).Observe(time.Since(start).Seconds())
	status := data.Status
	if err != nil || status == "" {
		status = store.SyncStatusError
	}
	metrics.TenantFetchesTotal.WithLabelValues(tenant.Name, status).Inc()

	if err != nil {
		a.report(Event{RunID: runID, Source: tenant.Name, Stage: "persist", Err: err})
		return data, err
	}

	for _, dataType := range store.DataTypes {
		metrics.FindingsTotal.WithLabelValues(tenant.Name, dataType).Set(float64(len(data.RecordsFor(dataType))))
	}
	a.mirrorTenant(ctx, tenant, data)

	if data.Status == store.SyncStatusError {
		a.report(Event{RunID: runID, Source: tenant.Name, Stage: "fetch", Err: errors.New(data.Error)})
		return data, nil
	}

	metrics.TenantLastSuccessTimestamp.WithLabelValues(tenant.Name).Set(float64(time.Now().Unix()))
	a.report(Event{
		RunID:  runID,
		Source: tenant.Name,
		Stage:  "fetch",
		Done:   true,
		Message: fmt.Sprintf("aggregated %d alerts, %d host vulns, %d container vulns, %d compliance, %d identities",
			len(data.Alerts), len(data.HostVulns), len(data.ContainerVulns), len(data.Compliance), len(data.Identities)),
	})
	return data, nil
}

func (a *Aggregator) withTenantLock(ctx context.Context, tenantName string, run func(context.Context) error) error {
	if a.locks == nil {
		return run(ctx)
	}
	lock, err := a.locks.Acquire(ctx, "tenant", tenantName)
	if err != nil {
		return fmt.Errorf("acquire tenant lock: %w", err)
	}
	return runWithLock(ctx, lock, run)
}

func (a *Aggregator) fetchTenant(ctx context.Context, tenant store.Tenant, secret string) TenantData {
	client, err := lacework.New(tenant.BaseURL(), tenant.APIKeyID, secret, tenant.SubAccount)
	if err != nil {
		return errorTenantData(err)
	}
	client.OnCategoryFailure = func(category string) {
		metrics.CategoryFetchFailuresTotal.WithLabelValues(tenant.Name, category).Inc()
	}
	return FetchTenantData(ctx, client)
}

// persistTenant replaces the tenant's snapshots and records the run
// outcome in one transaction, so readers never observe a half-written
// snapshot set.
func (a *Aggregator) persistTenant(ctx context.Context, tenant store.Tenant, data TenantData, fetchedAt time.Time) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	qtx := a.q.WithTx(tx)
	if err := qtx.DeleteSnapshotsForTenant(ctx, tenant.ID); err != nil {
		return err
	}
	for _, dataType := range store.DataTypes {
		payload, err := json.Marshal(data.RecordsFor(dataType))
		if err != nil {
			return err
		}
		if err := qtx.InsertSnapshot(ctx, store.InsertSnapshotParams{
			TenantID:  tenant.ID,
			DataType:  dataType,
			Payload:   payload,
			FetchedAt: fetchedAt,
		}); err != nil {
			return err
		}
	}

	var lastErr *string
	if data.Error != "" {
		lastErr = &data.Error
	}
	if err := qtx.SetTenantSyncResult(ctx, store.SetTenantSyncResultParams{
		ID:        tenant.ID,
		Status:    data.Status,
		LastError: lastErr,
		SyncedAt:  fetchedAt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mirrorTenant pushes the snapshot set into the cache. Mirror failures
// are logged and dropped; Postgres remains the source of truth.
func (a *Aggregator) mirrorTenant(ctx context.Context, tenant store.Tenant, data TenantData) {
	for _, dataType := range store.DataTypes {
		payload, err := json.Marshal(data.RecordsFor(dataType))
		if err != nil {
			return
		}
		if err := a.cache.Set(ctx, cache.SnapshotKey(tenant.ID, dataType), payload, a.cacheTTL); err != nil {
			slog.Warn("snapshot cache mirror failed", "tenant", tenant.Name, "data_type", dataType, "err", err)
			return
		}
	}
}
