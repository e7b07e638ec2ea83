package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/cache"
	"github.com/open-cnapp/open-cnapp/internal/lacework"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

type createTenantRequest struct {
	Name       string `json:"name"`
	Account    string `json:"account"`
	APIKeyID   string `json:"api_key_id"`
	APISecret  string `json:"api_secret"`
	SubAccount string `json:"sub_account"`
}

type updateTenantRequest struct {
	Name       string `json:"name"`
	Account    string `json:"account"`
	APIKeyID   string `json:"api_key_id"`
	APISecret  string `json:"api_secret"`
	SubAccount string `json:"sub_account"`
	Enabled    bool   `json:"enabled"`
}

// tenantResponse is the API shape of a tenant. The stored secret is
// never included; HasSecret only reports that one exists.
type tenantResponse struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Account        string     `json:"account"`
	APIKeyID       string     `json:"api_key_id"`
	SubAccount     string     `json:"sub_account,omitempty"`
	Enabled        bool       `json:"enabled"`
	HasSecret      bool       `json:"has_secret"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus string     `json:"last_sync_status"`
	LastSyncError  *string    `json:"last_sync_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func newTenantResponse(t store.Tenant) tenantResponse {
	return tenantResponse{
		ID:             t.ID,
		Name:           t.Name,
		Account:        t.Account,
		APIKeyID:       t.APIKeyID,
		SubAccount:     t.SubAccount,
		Enabled:        t.Enabled,
		HasSecret:      t.APISecretEnc != "",
		LastSyncAt:     t.LastSyncAt,
		LastSyncStatus: tenantStatus(t),
		LastSyncError:  t.LastSyncError,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (h *Handlers) HandleTenantsList(c echo.Context) error {
	tenants, err := h.Q.ListTenants(c.Request().Context())
	if err != nil {
		return h.RenderError(c, err)
	}
	resp := make([]tenantResponse, 0, len(tenants))
	for _, tenant := range tenants {
		resp = append(resp, newTenantResponse(tenant))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleTenantGet(c echo.Context) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	tenant, err := h.Q.GetTenantByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(c, "tenant not found")
		}
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusOK, newTenantResponse(tenant))
}

func (h *Handlers) HandleTenantCreate(c echo.Context) error {
	var req createTenantRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed tenant request")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Account = store.NormalizeAccount(req.Account)
	req.APIKeyID = strings.TrimSpace(req.APIKeyID)
	if req.Name == "" || req.Account == "" || req.APIKeyID == "" {
		return badRequest(c, "name, account, and api_key_id are required")
	}

	encrypted, err := h.sealSecret(req.APISecret, true)
	if err != nil {
		if errors.Is(err, errSecretVaultManaged) || errors.Is(err, errSecretRequired) {
			return badRequest(c, err.Error())
		}
		return h.RenderError(c, err)
	}

	tenant, err := h.Q.CreateTenant(c.Request().Context(), store.CreateTenantParams{
		Name:         req.Name,
		Account:      req.Account,
		APIKeyID:     req.APIKeyID,
		APISecretEnc: encrypted,
		SubAccount:   strings.TrimSpace(req.SubAccount),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return conflict(c, "a tenant with that name already exists")
		}
		return h.RenderError(c, err)
	}
	return c.JSON(http.StatusCreated, newTenantResponse(tenant))
}

func (h *Handlers) HandleTenantUpdate(c echo.Context) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	var req updateTenantRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed tenant request")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Account = store.NormalizeAccount(req.Account)
	req.APIKeyID = strings.TrimSpace(req.APIKeyID)
	if req.Name == "" || req.Account == "" || req.APIKeyID == "" {
		return badRequest(c, "name, account, and api_key_id are required")
	}

	ctx := c.Request().Context()
	tenant, err := h.Q.UpdateTenant(ctx, store.UpdateTenantParams{
		ID:         id,
		Name:       req.Name,
		Account:    req.Account,
		APIKeyID:   req.APIKeyID,
		SubAccount: strings.TrimSpace(req.SubAccount),
		Enabled:    req.Enabled,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(c, "tenant not found")
		}
		if isUniqueViolation(err) {
			return conflict(c, "a tenant with that name already exists")
		}
		return h.RenderError(c, err)
	}

	if req.APISecret != "" {
		encrypted, err := h.sealSecret(req.APISecret, false)
		if err != nil {
			if errors.Is(err, errSecretVaultManaged) {
				return badRequest(c, err.Error())
			}
			return h.RenderError(c, err)
		}
		if err := h.Q.UpdateTenantSecret(ctx, id, encrypted); err != nil {
			return h.RenderError(c, err)
		}
		tenant.APISecretEnc = encrypted
	}

	return c.JSON(http.StatusOK, newTenantResponse(tenant))
}

var (
	errSecretVaultManaged = errors.New("secrets are vault-managed; store the api secret in vault instead")
	errSecretRequired     = errors.New("api_secret is required")
)

// sealSecret encrypts a raw API secret for storage. With the Vault
// backend there is no local cipher, so raw secrets are rejected and
// operators are pointed at the external path instead. required reports
// a missing secret as an error (tenant creation under the local
// backend always needs one).
func (h *Handlers) sealSecret(secret string, required bool) (string, error) {
	if h.Cipher == nil {
		if secret != "" {
			return "", errSecretVaultManaged
		}
		return "", nil
	}
	if secret == "" {
		if required {
			return "", errSecretRequired
		}
		return "", nil
	}
	return h.Cipher.Encrypt(secret)
}

func (h *Handlers) HandleTenantDelete(c echo.Context) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	ctx := c.Request().Context()
	if err := h.Q.DeleteTenant(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(c, "tenant not found")
		}
		return h.RenderError(c, err)
	}

	// Snapshots go with the tenant row; drop the mirror copies too.
	if h.Cache != nil {
		for _, dataType := range store.DataTypes {
			if err := h.Cache.Del(ctx, cache.SnapshotKey(id, dataType)); err != nil {
				slog.Warn("snapshot cache delete failed", "tenant_id", id, "data_type", dataType, "err", err)
				break
			}
		}
	}

	return c.NoContent(http.StatusNoContent)
}

type tenantSyncResponse struct {
	Success    bool    `json:"success"`
	Status     string  `json:"status"`
	Alerts     int     `json:"alerts"`
	HostVulns  int     `json:"host_vulns"`
	Compliance int     `json:"compliance"`
	Identities int     `json:"identities"`
	Error      *string `json:"error"`
}

// HandleTenantSync refreshes one tenant's snapshots immediately. A
// provider failure is reported in the response body, not as an HTTP
// error: the sync itself ran and recorded the outcome.
func (h *Handlers) HandleTenantSync(c echo.Context) error {
	if h.TenantSyncer == nil {
		return h.RenderError(c, errors.New("tenant sync not configured"))
	}
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}

	data, err := h.TenantSyncer.RunTenant(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(c, "tenant not found")
		}
		return h.RenderError(c, err)
	}

	resp := tenantSyncResponse{
		Success:    data.Status == store.SyncStatusHealthy,
		Status:     data.Status,
		Alerts:     len(data.Alerts),
		HostVulns:  len(data.HostVulns),
		Compliance: len(data.Compliance),
		Identities: len(data.Identities),
	}
	if data.Error != "" {
		resp.Error = &data.Error
	}
	return c.JSON(http.StatusOK, resp)
}

type connectionTestRequest struct {
	Account    string `json:"account"`
	APIKeyID   string `json:"api_key_id"`
	APISecret  string `json:"api_secret"`
	SubAccount string `json:"sub_account"`
}

type connectionTestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleTenantTest checks a stored tenant's credentials against the
// provider. Failures come back in the body so the operator sees the
// provider's words, not a wrapped 500.
func (h *Handlers) HandleTenantTest(c echo.Context) error {
	id, ok := tenantIDParam(c)
	if !ok {
		return badRequest(c, "invalid tenant id")
	}
	ctx := c.Request().Context()

	tenant, err := h.Q.GetTenantByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(c, "tenant not found")
		}
		return h.RenderError(c, err)
	}

	secret, err := h.Secrets.Secret(ctx, tenant.Name, tenant.APISecretEnc)
	if err != nil {
		return c.JSON(http.StatusOK, connectionTestResponse{
			Success: false,
			Message: "resolve api secret: " + err.Error(),
		})
	}

	return h.testConnection(c, tenant.BaseURL(), tenant.APIKeyID, secret, tenant.SubAccount)
}

// HandleTenantTestNew checks raw credentials before they are saved.
func (h *Handlers) HandleTenantTestNew(c echo.Context) error {
	var req connectionTestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed connection test request")
	}

	account := store.NormalizeAccount(req.Account)
	req.APIKeyID = strings.TrimSpace(req.APIKeyID)
	if account == "" || req.APIKeyID == "" || req.APISecret == "" {
		return badRequest(c, "account, api_key_id, and api_secret are required")
	}

	baseURL := store.Tenant{Account: account}.BaseURL()
	return h.testConnection(c, baseURL, req.APIKeyID, req.APISecret, strings.TrimSpace(req.SubAccount))
}

func (h *Handlers) testConnection(c echo.Context, baseURL, keyID, secret, subAccount string) error {
	client, err := lacework.New(baseURL, keyID, secret, subAccount)
	if err != nil {
		return c.JSON(http.StatusOK, connectionTestResponse{Success: false, Message: err.Error()})
	}
	success, message := client.TestConnection(c.Request().Context())
	return c.JSON(http.StatusOK, connectionTestResponse{Success: success, Message: message})
}

// HandleSyncAll triggers an aggregation run over every enabled tenant.
// The runner decides whether that means running inline under the global
// lock or queueing a resync signal for the worker.
func (h *Handlers) HandleSyncAll(c echo.Context) error {
	if h.Syncer == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "sync is not configured"})
	}

	err := h.Syncer.RunOnce(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
	case errors.Is(err, aggregate.ErrSyncQueued):
		return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, aggregate.ErrSyncAlreadyRunning):
		return conflict(c, "sync is already running")
	case errors.Is(err, aggregate.ErrNoEnabledTenants):
		return badRequest(c, "no enabled tenants are configured")
	default:
		return h.RenderError(c, err)
	}
}
