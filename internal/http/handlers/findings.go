package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/aggregate"
	"github.com/open-cnapp/open-cnapp/internal/findings"
	"github.com/open-cnapp/open-cnapp/internal/http/authn"
	"github.com/open-cnapp/open-cnapp/internal/lacework"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

type alertTenantSummary struct {
	TenantName string `json:"tenant_name"`
	AlertCount int    `json:"alert_count"`
}

type alertsResponse struct {
	TotalAlerts int                  `json:"total_alerts"`
	Tenants     []alertTenantSummary `json:"tenants"`
	Items       []findings.Alert     `json:"items"`
}

// HandleAlerts serves composite behavioral alerts at or above the
// caller's minimum severity. The threshold comes from the min_severity
// query parameter, falling back to the caller's saved setting.
func (h *Handlers) HandleAlerts(c echo.Context) error {
	ctx := c.Request().Context()

	minSeverity := strings.TrimSpace(c.QueryParam("min_severity"))
	if minSeverity == "" {
		p, ok := authn.PrincipalFromContext(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		}
		minSeverity = h.compositeMinSeverity(ctx, p.UserID)
	}
	threshold := findings.SeverityThreshold(minSeverity)

	tenants, err := h.enabledTenants(c)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := alertsResponse{
		Tenants: []alertTenantSummary{},
		Items:   []findings.Alert{},
	}

	for _, tenant := range tenants {
		records, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeAlerts)
		if err != nil {
			return h.RenderError(c, err)
		}

		composite := filterCompositeAlerts(records, threshold)
		resp.TotalAlerts += len(composite)
		resp.Tenants = append(resp.Tenants, alertTenantSummary{
			TenantName: tenant.Name,
			AlertCount: len(composite),
		})
		resp.Items = append(resp.Items, findings.BuildAlerts(tenant.Name, composite)...)
	}

	findings.SortAlerts(resp.Items)
	return c.JSON(http.StatusOK, resp)
}

// filterCompositeAlerts keeps raw records whose alert type is one of
// the behavioral categories and whose severity ranks at or above the
// threshold. Filtering happens on the raw fields so records without an
// alertType never match, even when a display fallback would name them.
func filterCompositeAlerts(records []json.RawMessage, threshold int) []json.RawMessage {
	composite := make([]json.RawMessage, 0, len(records))
	for _, record := range records {
		var raw struct {
			AlertType string `json:"alertType"`
			Severity  string `json:"severity"`
		}
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		if !lacework.IsCompositeAlertType(raw.AlertType) {
			continue
		}
		if findings.SeverityRank(raw.Severity) > threshold {
			continue
		}
		composite = append(composite, record)
	}
	return composite
}

type vulnTenantSummary struct {
	TenantName    string `json:"tenant_name"`
	CriticalCount int    `json:"critical_count"`
	HighCount     int    `json:"high_count"`
}

type vulnSearchError struct {
	TenantName string `json:"tenant_name"`
	Error      string `json:"error"`
}

type vulnsResponse struct {
	TotalCritical int                   `json:"total_critical"`
	TotalHigh     int                   `json:"total_high"`
	Tenants       []vulnTenantSummary   `json:"tenants"`
	Items         []findings.VulnDetail `json:"items"`
	Errors        []vulnSearchError     `json:"errors,omitempty"`
}

// HandleVulnerabilities serves host and container vulnerabilities from
// the latest snapshots, merged per tenant.
func (h *Handlers) HandleVulnerabilities(c echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := h.enabledTenants(c)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := vulnsResponse{
		Tenants: []vulnTenantSummary{},
		Items:   []findings.VulnDetail{},
	}

	for _, tenant := range tenants {
		hostVulns, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeHostVulns)
		if err != nil {
			return h.RenderError(c, err)
		}
		containerVulns, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeContainerVulns)
		if err != nil {
			return h.RenderError(c, err)
		}

		records := make([]json.RawMessage, 0, len(hostVulns)+len(containerVulns))
		records = append(records, hostVulns...)
		records = append(records, containerVulns...)

		resp.appendTenant(tenant.Name, records)
	}

	findings.SortVulnDetails(resp.Items)
	return c.JSON(http.StatusOK, resp)
}

// HandleVulnerabilitiesDetailed bypasses the snapshots and runs the
// detailed host-vulnerability search live against every tenant, fanned
// out with the same bounded worker pool the aggregator uses. Tenants
// whose search fails are reported in the errors list instead of
// failing the page.
func (h *Handlers) HandleVulnerabilitiesDetailed(c echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := h.enabledTenants(c)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := vulnsResponse{
		Tenants: []vulnTenantSummary{},
		Items:   []findings.VulnDetail{},
	}

	results := aggregate.ParallelCollect(ctx, tenants, h.Cfg.TenantWorkers,
		func(ctx context.Context, tenant store.Tenant) ([]json.RawMessage, error) {
			secret, err := h.Secrets.Secret(ctx, tenant.Name, tenant.APISecretEnc)
			if err != nil {
				return nil, fmt.Errorf("resolve api secret: %w", err)
			}
			return h.searchDetailed(ctx, tenant, secret)
		}, nil)

	for i, result := range results {
		tenant := tenants[i]
		if result.Err != nil {
			slog.Warn("detailed vulnerability search failed", "tenant", tenant.Name, "err", result.Err)
			resp.Errors = append(resp.Errors, vulnSearchError{
				TenantName: tenant.Name,
				Error:      result.Err.Error(),
			})
			continue
		}
		resp.appendTenant(tenant.Name, result.Value)
	}

	findings.SortVulnDetails(resp.Items)
	return c.JSON(http.StatusOK, resp)
}

func (r *vulnsResponse) appendTenant(tenantName string, records []json.RawMessage) {
	critical := findings.CountBySeverity(records, "Critical")
	high := findings.CountBySeverity(records, "High")
	r.TotalCritical += critical
	r.TotalHigh += high
	r.Tenants = append(r.Tenants, vulnTenantSummary{
		TenantName:    tenantName,
		CriticalCount: critical,
		HighCount:     high,
	})
	r.Items = append(r.Items, findings.BuildVulnDetails(tenantName, records)...)
}

func (h *Handlers) searchDetailed(ctx context.Context, tenant store.Tenant, secret string) ([]json.RawMessage, error) {
	if h.detailedSearchFn != nil {
		return h.detailedSearchFn(ctx, tenant, secret)
	}
	client, err := lacework.New(tenant.BaseURL(), tenant.APIKeyID, secret, tenant.SubAccount)
	if err != nil {
		return nil, err
	}
	return client.SearchHostVulnsDetailed(ctx)
}

type complianceTenantSummary struct {
	TenantName    string   `json:"tenant_name"`
	CriticalCount int      `json:"critical_count"`
	Datasets      []string `json:"datasets"`
}

type complianceResponse struct {
	TotalCritical int                         `json:"total_critical"`
	Tenants       []complianceTenantSummary   `json:"tenants"`
	Items         []findings.ComplianceDetail `json:"items"`
}

// HandleCompliance serves compliance evaluations from the latest
// snapshots with per-tenant dataset coverage.
func (h *Handlers) HandleCompliance(c echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := h.enabledTenants(c)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := complianceResponse{
		Tenants: []complianceTenantSummary{},
		Items:   []findings.ComplianceDetail{},
	}

	for _, tenant := range tenants {
		records, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeCompliance)
		if err != nil {
			return h.RenderError(c, err)
		}

		critical := findings.CountBySeverity(records, "Critical")
		resp.TotalCritical += critical
		resp.Tenants = append(resp.Tenants, complianceTenantSummary{
			TenantName:    tenant.Name,
			CriticalCount: critical,
			Datasets:      findings.ComplianceDatasets(records),
		})
		resp.Items = append(resp.Items, findings.BuildComplianceDetails(tenant.Name, records)...)
	}

	findings.SortComplianceDetails(resp.Items)
	return c.JSON(http.StatusOK, resp)
}

type identityTenantSummary struct {
	TenantName    string `json:"tenant_name"`
	IdentityCount int    `json:"identity_count"`
	CriticalCount int    `json:"critical_count"`
	HighCount     int    `json:"high_count"`
}

type identitiesResponse struct {
	TotalIdentities int                     `json:"total_identities"`
	TotalCritical   int                     `json:"total_critical"`
	TotalHigh       int                     `json:"total_high"`
	Tenants         []identityTenantSummary `json:"tenants"`
	Items           []findings.Identity     `json:"items"`
}

// HandleIdentities serves cloud identities with their risk posture from
// the latest snapshots, most severe first.
func (h *Handlers) HandleIdentities(c echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := h.enabledTenants(c)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := identitiesResponse{
		Tenants: []identityTenantSummary{},
		Items:   []findings.Identity{},
	}

	for _, tenant := range tenants {
		records, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeIdentities)
		if err != nil {
			return h.RenderError(c, err)
		}

		identities := findings.BuildIdentities(tenant.Name, records)
		critical := countRiskSeverity(identities, "CRITICAL")
		high := countRiskSeverity(identities, "HIGH")

		resp.TotalIdentities += len(identities)
		resp.TotalCritical += critical
		resp.TotalHigh += high
		resp.Tenants = append(resp.Tenants, identityTenantSummary{
			TenantName:    tenant.Name,
			IdentityCount: len(identities),
			CriticalCount: critical,
			HighCount:     high,
		})
		resp.Items = append(resp.Items, identities...)
	}

	findings.SortIdentities(resp.Items)
	return c.JSON(http.StatusOK, resp)
}

func countRiskSeverity(identities []findings.Identity, severity string) int {
	count := 0
	for _, identity := range identities {
		if identity.RiskSeverity == severity {
			count++
		}
	}
	return count
}
