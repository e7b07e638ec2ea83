package store

import (
	"context"
	"time"
)

// Snapshot data types, one row per (tenant, type) after each sync.
const (
	DataTypeAlerts         = "alerts"
	DataTypeHostVulns      = "host_vulns"
	DataTypeContainerVulns = "container_vulns"
	DataTypeCompliance     = "compliance"
	DataTypeIdentities     = "identities"
)

// DataTypes lists every snapshot type a sync run writes, in write order.
var DataTypes = []string{
	DataTypeAlerts,
	DataTypeHostVulns,
	DataTypeContainerVulns,
	DataTypeCompliance,
	DataTypeIdentities,
}

// Snapshot holds the raw provider records for one tenant and data type.
// Payload is the JSON array exactly as fetched; normalization happens
// when the API serves it.
type Snapshot struct {
	ID        int64
	TenantID  int64
	DataType  string
	Payload   []byte
	FetchedAt time.Time
}

const deleteSnapshotsForTenant = `
DELETE FROM snapshots
WHERE tenant_id = $1`

// DeleteSnapshotsForTenant clears every data type at once, so a
// replacement run swaps the whole set inside one transaction.
func (q *Queries) DeleteSnapshotsForTenant(ctx context.Context, tenantID int64) error {
	_, err := q.db.Exec(ctx, deleteSnapshotsForTenant, tenantID)
	return err
}

type InsertSnapshotParams struct {
	TenantID  int64
	DataType  string
	Payload   []byte
	FetchedAt time.Time
}

const insertSnapshot = `
INSERT INTO snapshots (tenant_id, data_type, payload, fetched_at)
VALUES ($1, $2, $3, $4)`

func (q *Queries) InsertSnapshot(ctx context.Context, arg InsertSnapshotParams) error {
	_, err := q.db.Exec(ctx, insertSnapshot, arg.TenantID, arg.DataType, arg.Payload, arg.FetchedAt)
	return err
}

const getSnapshot = `
SELECT id, tenant_id, data_type, payload, fetched_at
FROM snapshots
WHERE tenant_id = $1 AND data_type = $2`

func (q *Queries) GetSnapshot(ctx context.Context, tenantID int64, dataType string) (Snapshot, error) {
	row := q.db.QueryRow(ctx, getSnapshot, tenantID, dataType)
	var s Snapshot
	err := row.Scan(&s.ID, &s.TenantID, &s.DataType, &s.Payload, &s.FetchedAt)
	return s, err
}
