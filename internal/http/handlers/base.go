// Package handlers contains the JSON API handlers split by domain.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/cache"
	"github.com/open-cnapp/open-cnapp/internal/config"
	"github.com/open-cnapp/open-cnapp/internal/secrets"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"
)

// SyncRunner is the interface for triggering manual aggregation runs.
type SyncRunner interface {
	RunOnce(context.Context) error
}

// TenantSyncer refreshes a single tenant's snapshots.
type TenantSyncer interface {
	RunTenant(ctx context.Context, tenantID int64) (aggregate.TenantData, error)
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Cfg          config.Config
	Q            *store.Queries
	Pool         *pgxpool.Pool
	Sessions     *scs.SessionManager
	Syncer       SyncRunner
	TenantSyncer TenantSyncer
	Secrets      secrets.Source
	Cipher       *secrets.Cipher
	Cache        cache.Provider

	// detailedSearchFn stands in for the live provider search in tests.
	detailedSearchFn func(ctx context.Context, tenant store.Tenant, secret string) ([]json.RawMessage, error)
}

// errorResponse is the uniform JSON error payload.
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RenderError logs the failure and answers with a generic 500 so
// internal details never reach clients.
func (h *Handlers) RenderError(c echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
		if req.URL != nil {
			path = req.URL.Path
		}
	}
	slog.Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"err", err,
	)

	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:     "internal server error",
		Code:      InternalErrorCode,
		RequestID: requestID,
	})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, errorResponse{Error: msg})
}

func conflict(c echo.Context, msg string) error {
	return c.JSON(http.StatusConflict, errorResponse{Error: msg})
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// tenantIDParam parses the :id route parameter.
func tenantIDParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// snapshotRecords loads one tenant's raw records for a data type,
// preferring the cache mirror and falling back to Postgres. A tenant
// that has never synced yields no records.
func (h *Handlers) snapshotRecords(ctx context.Context, tenantID int64, dataType string) ([]json.RawMessage, error) {
	if h.Cache != nil {
		payload, err := h.Cache.Get(ctx, cache.SnapshotKey(tenantID, dataType))
		if err == nil {
			return decodeRecords(tenantID, dataType, payload), nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Warn("snapshot cache read failed", "tenant_id", tenantID, "data_type", dataType, "err", err)
		}
	}

	snap, err := h.Q.GetSnapshot(ctx, tenantID, dataType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecords(tenantID, dataType, snap.Payload), nil
}

func decodeRecords(tenantID int64, dataType string, payload []byte) []json.RawMessage {
	var records []json.RawMessage
	if err := json.Unmarshal(payload, &records); err != nil {
		slog.Warn("snapshot payload decode failed", "tenant_id", tenantID, "data_type", dataType, "err", err)
		return nil
	}
	return records
}

// enabledTenants lists enabled tenants, narrowed to one by name when
// the request carries a ?tenant= query parameter.
func (h *Handlers) enabledTenants(c echo.Context) ([]store.Tenant, error) {
	tenants, err := h.Q.ListEnabledTenants(c.Request().Context())
	if err != nil {
		return nil, err
	}
	filter := strings.TrimSpace(c.QueryParam("tenant"))
	if filter == "" {
		return tenants, nil
	}
	filtered := make([]store.Tenant, 0, 1)
	for _, tenant := range tenants {
		if tenant.Name == filter {
			filtered = append(filtered, tenant)
		}
	}
	return filtered, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
