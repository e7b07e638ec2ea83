package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The DB-backed tests run every statement inside one transaction that
// is rolled back on cleanup, so they leave the target database as they
// found it. They skip unless a reachable DSN is configured.

func testDatabaseURLFromEnv() string {
	for _, key := range []string{"OPEN_CNAPP_TEST_DATABASE_URL", "DATABASE_URL"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func newStoreTestTx(t *testing.T) (context.Context, *Queries) {
	t.Helper()

	dsn := testDatabaseURLFromEnv()
	if dsn == "" {
		t.Skip("skipping DB-backed store test: set OPEN_CNAPP_TEST_DATABASE_URL or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		cancel()
		t.Skipf("skipping DB-backed store test: open database pool failed: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cancel()
		t.Skipf("skipping DB-backed store test: database ping failed: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		pool.Close()
		cancel()
		t.Fatalf("begin tx: %v", err)
	}

	t.Cleanup(func() {
		_ = tx.Rollback(context.Background())
		pool.Close()
		cancel()
	})

	ensureCoreSchema(t, ctx, tx)
	return ctx, New(tx)
}

func ensureCoreSchema(t *testing.T, ctx context.Context, tx pgx.Tx) {
	t.Helper()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT to_regclass('tenants') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check tenants relation: %v", err)
	}
	if exists {
		return
	}

	for _, name := range []string{
		"000001_tenants.up.sql",
		"000002_snapshots.up.sql",
		"000003_auth_users.up.sql",
		"000004_user_settings.up.sql",
		"000005_sessions.up.sql",
	} {
		sql, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", name))
		if err != nil {
			t.Skipf("skipping DB-backed store test: migration %s not found: %v", name, err)
		}
		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", name, err)
		}
	}
}

func createTestTenant(t *testing.T, ctx context.Context, q *Queries, name string) Tenant {
	t.Helper()
	tenant, err := q.CreateTenant(ctx, CreateTenantParams{
		Name:         name,
		Account:      "acme",
		APIKeyID:     "KEY123",
		APISecretEnc: "ciphertext",
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	return tenant
}

func TestTenantLifecycle(t *testing.T) {
	ctx, q := newStoreTestTx(t)

	name := fmt.Sprintf("store-test-%d", time.Now().UnixNano())
	tenant := createTestTenant(t, ctx, q, name)
	if tenant.LastSyncStatus != SyncStatusPending {
		t.Fatalf("new tenant status = %q, want %q", tenant.LastSyncStatus, SyncStatusPending)
	}
	if tenant.LastSyncAt != nil || tenant.LastSyncError != nil {
		t.Fatalf("new tenant should have no sync history, got at=%v err=%v", tenant.LastSyncAt, tenant.LastSyncError)
	}
	if !tenant.Enabled {
		t.Fatal("new tenant should default to enabled")
	}

	byName, err := q.GetTenantByName(ctx, name)
	if err != nil {
		t.Fatalf("GetTenantByName: %v", err)
	}
	if byName.ID != tenant.ID {
		t.Fatalf("GetTenantByName ID = %d, want %d", byName.ID, tenant.ID)
	}

	updated, err := q.UpdateTenant(ctx, UpdateTenantParams{
		ID:         tenant.ID,
		Name:       name,
		Account:    "acme-eu",
		APIKeyID:   "KEY456",
		SubAccount: "eu-prod",
		Enabled:    false,
	})
	if err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	if updated.Account != "acme-eu" || updated.SubAccount != "eu-prod" || updated.Enabled {
		t.Fatalf("UpdateTenant result = %+v", updated)
	}
	if updated.APISecretEnc != "ciphertext" {
		t.Fatalf("UpdateTenant must not touch the secret, got %q", updated.APISecretEnc)
	}

	if err := q.UpdateTenantSecret(ctx, tenant.ID, "new-ciphertext"); err != nil {
		t.Fatalf("UpdateTenantSecret: %v", err)
	}
	got, err := q.GetTenantByID(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("GetTenantByID: %v", err)
	}
	if got.APISecretEnc != "new-ciphertext" {
		t.Fatalf("secret = %q, want %q", got.APISecretEnc, "new-ciphertext")
	}

	if err := q.MarkTenantFetching(ctx, tenant.ID); err != nil {
		t.Fatalf("MarkTenantFetching: %v", err)
	}
	got, _ = q.GetTenantByID(ctx, tenant.ID)
	if got.LastSyncStatus != SyncStatusFetching {
		t.Fatalf("status = %q, want %q", got.LastSyncStatus, SyncStatusFetching)
	}

	syncedAt := time.Now().UTC().Truncate(time.Microsecond)
	message := "lacework api rate limited"
	if err := q.SetTenantSyncResult(ctx, SetTenantSyncResultParams{
		ID:        tenant.ID,
		Status:    SyncStatusError,
		LastError: &message,
		SyncedAt:  syncedAt,
	}); err != nil {
		t.Fatalf("SetTenantSyncResult: %v", err)
	}
	got, _ = q.GetTenantByID(ctx, tenant.ID)
	if got.LastSyncStatus != SyncStatusError {
		t.Fatalf("status = %q, want %q", got.LastSyncStatus, SyncStatusError)
	}
	if got.LastSyncError == nil || *got.LastSyncError != message {
		t.Fatalf("last error = %v, want %q", got.LastSyncError, message)
	}
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(syncedAt) {
		t.Fatalf("last sync at = %v, want %v", got.LastSyncAt, syncedAt)
	}

	if err := q.SetTenantSyncResult(ctx, SetTenantSyncResultParams{
		ID:       tenant.ID,
		Status:   SyncStatusHealthy,
		SyncedAt: syncedAt,
	}); err != nil {
		t.Fatalf("SetTenantSyncResult: %v", err)
	}
	got, _ = q.GetTenantByID(ctx, tenant.ID)
	if got.LastSyncStatus != SyncStatusHealthy || got.LastSyncError != nil {
		t.Fatalf("after healthy result: status=%q err=%v", got.LastSyncStatus, got.LastSyncError)
	}

	if err := q.DeleteTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, err := q.GetTenantByID(ctx, tenant.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetTenantByID after delete: err = %v, want pgx.ErrNoRows", err)
	}
	if err := q.DeleteTenant(ctx, tenant.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("DeleteTenant on missing row: err = %v, want pgx.ErrNoRows", err)
	}
}

func TestListEnabledTenantsFiltersAndOrders(t *testing.T) {
	ctx, q := newStoreTestTx(t)

	prefix := fmt.Sprintf("store-list-%d", time.Now().UnixNano())
	first := createTestTenant(t, ctx, q, prefix+"-b")
	second := createTestTenant(t, ctx, q, prefix+"-a")
	disabled := createTestTenant(t, ctx, q, prefix+"-c")
	if _, err := q.UpdateTenant(ctx, UpdateTenantParams{
		ID:       disabled.ID,
		Name:     disabled.Name,
		Account:  disabled.Account,
		APIKeyID: disabled.APIKeyID,
		Enabled:  false,
	}); err != nil {
		t.Fatalf("disable tenant: %v", err)
	}

	enabled, err := q.ListEnabledTenants(ctx)
	if err != nil {
		t.Fatalf("ListEnabledTenants: %v", err)
	}
	var names []string
	for _, tenant := range enabled {
		if strings.HasPrefix(tenant.Name, prefix) {
			names = append(names, tenant.Name)
		}
	}
	if len(names) != 2 || names[0] != second.Name || names[1] != first.Name {
		t.Fatalf("enabled tenants = %v, want [%s %s]", names, second.Name, first.Name)
	}
}

func TestSnapshotSwap(t *testing.T) {
	ctx, q := newStoreTestTx(t)

	tenant := createTestTenant(t, ctx, q, fmt.Sprintf("store-snap-%d", time.Now().UnixNano()))
	fetchedAt := time.Now().UTC().Truncate(time.Microsecond)

	for _, dataType := range DataTypes {
		if err := q.InsertSnapshot(ctx, InsertSnapshotParams{
			TenantID:  tenant.ID,
			DataType:  dataType,
			Payload:   []byte(`[{"gen":1}]`),
			FetchedAt: fetchedAt,
		}); err != nil {
			t.Fatalf("InsertSnapshot(%s): %v", dataType, err)
		}
	}

	snap, err := q.GetSnapshot(ctx, tenant.ID, DataTypeAlerts)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if !strings.Contains(string(snap.Payload), `"gen"`) {
		t.Fatalf("payload = %s", snap.Payload)
	}

	if err := q.DeleteSnapshotsForTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DeleteSnapshotsForTenant: %v", err)
	}
	if err := q.InsertSnapshot(ctx, InsertSnapshotParams{
		TenantID:  tenant.ID,
		DataType:  DataTypeAlerts,
		Payload:   []byte(`[{"gen":2}]`),
		FetchedAt: fetchedAt,
	}); err != nil {
		t.Fatalf("InsertSnapshot replacement: %v", err)
	}

	snap, err = q.GetSnapshot(ctx, tenant.ID, DataTypeAlerts)
	if err != nil {
		t.Fatalf("GetSnapshot after swap: %v", err)
	}
	if !strings.Contains(string(snap.Payload), `"gen": 2`) && !strings.Contains(string(snap.Payload), `"gen":2`) {
		t.Fatalf("payload after swap = %s", snap.Payload)
	}
	if _, err := q.GetSnapshot(ctx, tenant.ID, DataTypeIdentities); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("identities snapshot should be gone, err = %v", err)
	}

	if err := q.DeleteTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	if _, err := q.GetSnapshot(ctx, tenant.ID, DataTypeAlerts); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("snapshot should cascade on tenant delete, err = %v", err)
	}
}

func TestAdvisoryLockContention(t *testing.T) {
	dsn := testDatabaseURLFromEnv()
	if dsn == "" {
		t.Skip("skipping DB-backed store test: set OPEN_CNAPP_TEST_DATABASE_URL or DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skipping DB-backed store test: open database pool failed: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("skipping DB-backed store test: database ping failed: %v", err)
	}

	// Advisory locks are session-scoped, so contention needs two
	// dedicated connections rather than the shared rollback tx.
	holder, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire holder conn: %v", err)
	}
	defer holder.Release()
	contender, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire contender conn: %v", err)
	}
	defer contender.Release()

	key := SyncLockKey("store-test", fmt.Sprintf("lock-%d", time.Now().UnixNano()))
	holderQ, contenderQ := New(holder), New(contender)

	ok, err := holderQ.TryAcquireAdvisoryLock(ctx, key)
	if err != nil || !ok {
		t.Fatalf("first TryAcquireAdvisoryLock = %v, %v; want true", ok, err)
	}
	defer func() { _ = holderQ.ReleaseAdvisoryLock(context.Background(), key) }()

	ok, err = contenderQ.TryAcquireAdvisoryLock(ctx, key)
	if err != nil {
		t.Fatalf("contending TryAcquireAdvisoryLock: %v", err)
	}
	if ok {
		t.Fatal("contending session acquired a held lock")
	}

	if err := holderQ.ReleaseAdvisoryLock(ctx, key); err != nil {
		t.Fatalf("ReleaseAdvisoryLock: %v", err)
	}

	ok, err = contenderQ.TryAcquireAdvisoryLock(ctx, key)
	if err != nil || !ok {
		t.Fatalf("TryAcquireAdvisoryLock after release = %v, %v; want true", ok, err)
	}
	_ = contenderQ.ReleaseAdvisoryLock(ctx, key)
}

func TestAuthUserAndSettings(t *testing.T) {
	ctx, q := newStoreTestTx(t)

	email := fmt.Sprintf("store-user-%d@example.com", time.Now().UnixNano())
	user, err := q.CreateAuthUser(ctx, CreateAuthUserParams{
		Email:        email,
		PasswordHash: "$argon2id$test",
		Role:         RoleAdmin,
	})
	if err != nil {
		t.Fatalf("CreateAuthUser: %v", err)
	}
	if !user.IsActive {
		t.Fatal("new auth user should default to active")
	}

	byEmail, err := q.GetAuthUserByEmail(ctx, email)
	if err != nil {
		t.Fatalf("GetAuthUserByEmail: %v", err)
	}
	if byEmail.ID != user.ID || byEmail.Role != RoleAdmin {
		t.Fatalf("GetAuthUserByEmail = %+v", byEmail)
	}

	count, err := q.CountAuthUsers(ctx)
	if err != nil {
		t.Fatalf("CountAuthUsers: %v", err)
	}
	if count < 1 {
		t.Fatalf("CountAuthUsers = %d, want >= 1", count)
	}

	if _, err := q.GetUserSettings(ctx, user.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetUserSettings before upsert: err = %v, want pgx.ErrNoRows", err)
	}

	settings, err := q.UpsertUserSettings(ctx, UpsertUserSettingsParams{
		UserID:                    user.ID,
		CompositeAlertMinSeverity: "Medium",
	})
	if err != nil {
		t.Fatalf("UpsertUserSettings insert: %v", err)
	}
	if settings.CompositeAlertMinSeverity != "Medium" {
		t.Fatalf("settings = %+v", settings)
	}

	settings, err = q.UpsertUserSettings(ctx, UpsertUserSettingsParams{
		UserID:                    user.ID,
		CompositeAlertMinSeverity: "Critical",
	})
	if err != nil {
		t.Fatalf("UpsertUserSettings update: %v", err)
	}
	if settings.CompositeAlertMinSeverity != "Critical" {
		t.Fatalf("settings after update = %+v", settings)
	}
}
