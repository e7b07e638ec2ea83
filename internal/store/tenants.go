package store

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tenant sync statuses. A tenant starts out pending, moves to fetching
// while a run is collecting its data, and lands on healthy or error.
const (
	SyncStatusPending  = "pending"
	SyncStatusFetching = "fetching"
	SyncStatusHealthy  = "healthy"
	SyncStatusError    = "error"
)

const laceworkDomainSuffix = ".lacework.net"

// Tenant is one Lacework tenant connection. The API secret is stored
// encrypted (or empty when an external secrets backend holds it).
type Tenant struct {
	ID             int64
	Name           string
	Account        string
	APIKeyID       string
	APISecretEnc   string
	SubAccount     string
	Enabled        bool
	LastSyncAt     *time.Time
	LastSyncStatus string
	LastSyncError  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BaseURL builds the tenant's API endpoint from its account name.
func (t Tenant) BaseURL() string {
	return "https://" + t.Account + laceworkDomainSuffix
}

// NormalizeAccount trims whitespace and the domain suffix so accounts
// are stored in their short form regardless of how they were entered.
func NormalizeAccount(account string) string {
	account = strings.TrimSpace(account)
	return strings.TrimSuffix(account, laceworkDomainSuffix)
}

const tenantColumns = `id, name, account, api_key_id, api_secret_enc, sub_account, enabled,
    last_sync_at, last_sync_status, last_sync_error, created_at, updated_at`

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Account,
		&t.APIKeyID,
		&t.APISecretEnc,
		&t.SubAccount,
		&t.Enabled,
		&t.LastSyncAt,
		&t.LastSyncStatus,
		&t.LastSyncError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func scanTenants(rows pgx.Rows) ([]Tenant, error) {
	defer rows.Close()
	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type CreateTenantParams struct {
	Name         string
	Account      string
	APIKeyID     string
	APISecretEnc string
	SubAccount   string
}

const createTenant = `
INSERT INTO tenants (name, account, api_key_id, api_secret_enc, sub_account)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + tenantColumns

func (q *Queries) CreateTenant(ctx context.Context, arg CreateTenantParams) (Tenant, error) {
	row := q.db.QueryRow(ctx, createTenant,
		arg.Name, arg.Account, arg.APIKeyID, arg.APISecretEnc, arg.SubAccount)
	return scanTenant(row)
}

const getTenantByID = `
SELECT ` + tenantColumns + `
FROM tenants
WHERE id = $1`

func (q *Queries) GetTenantByID(ctx context.Context, id int64) (Tenant, error) {
	return scanTenant(q.db.QueryRow(ctx, getTenantByID, id))
}

const getTenantByName = `
SELECT ` + tenantColumns + `
FROM tenants
WHERE name = $1`

func (q *Queries) GetTenantByName(ctx context.Context, name string) (Tenant, error) {
	return scanTenant(q.db.QueryRow(ctx, getTenantByName, name))
}

const listTenants = `
SELECT ` + tenantColumns + `
FROM tenants
ORDER BY name`

func (q *Queries) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.Query(ctx, listTenants)
	if err != nil {
		return nil, err
	}
	return scanTenants(rows)
}

const listEnabledTenants = `
SELECT ` + tenantColumns + `
FROM tenants
WHERE enabled
ORDER BY name`

func (q *Queries) ListEnabledTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.Query(ctx, listEnabledTenants)
	if err != nil {
		return nil, err
	}
	return scanTenants(rows)
}

type UpdateTenantParams struct {
	ID         int64
	Name       string
	Account    string
	APIKeyID   string
	SubAccount string
	Enabled    bool
}

const updateTenant = `
UPDATE tenants
SET name = $2, account = $3, api_key_id = $4, sub_account = $5, enabled = $6,
    updated_at = now()
WHERE id = $1
RETURNING ` + tenantColumns

func (q *Queries) UpdateTenant(ctx context.Context, arg UpdateTenantParams) (Tenant, error) {
	row := q.db.QueryRow(ctx, updateTenant,
		arg.ID, arg.Name, arg.Account, arg.APIKeyID, arg.SubAccount, arg.Enabled)
	return scanTenant(row)
}

const updateTenantSecret = `
UPDATE tenants
SET api_secret_enc = $2, updated_at = now()
WHERE id = $1`

func (q *Queries) UpdateTenantSecret(ctx context.Context, id int64, apiSecretEnc string) error {
	tag, err := q.db.Exec(ctx, updateTenantSecret, id, apiSecretEnc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

const deleteTenant = `
DELETE FROM tenants
WHERE id = $1`

func (q *Queries) DeleteTenant(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, deleteTenant, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

const markTenantFetching = `
UPDATE tenants
SET last_sync_status = 'fetching', updated_at = now()
WHERE id = $1`

// MarkTenantFetching flags a tenant as mid-run. The previous error is
// left in place until the run finishes one way or the other.
func (q *Queries) MarkTenantFetching(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, markTenantFetching, id)
	return err
}

type SetTenantSyncResultParams struct {
	ID        int64
	Status    string
	LastError *string
	SyncedAt  time.Time
}

const setTenantSyncResult = `
UPDATE tenants
SET last_sync_status = $2, last_sync_error = $3, last_sync_at = $4, updated_at = now()
WHERE id = $1`

func (q *Queries) SetTenantSyncResult(ctx context.Context, arg SetTenantSyncResultParams) error {
	_, err := q.db.Exec(ctx, setTenantSyncResult, arg.ID, arg.Status, arg.LastError, arg.SyncedAt)
	return err
}
