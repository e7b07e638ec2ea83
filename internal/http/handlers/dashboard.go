package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/open-cnapp/open-cnapp/internal/findings"
	"github.com/open-cnapp/open-cnapp/internal/lacework"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

// maxRecentRows caps each of the dashboard's recent-findings lists.
const maxRecentRows = 50

type dashboardTenantSummary struct {
	TenantID             int64  `json:"tenant_id"`
	TenantName           string `json:"tenant_name"`
	Account              string `json:"account"`
	Status               string `json:"status"`
	CriticalAlerts       int    `json:"critical_alerts"`
	HighAlerts           int    `json:"high_alerts"`
	CompositeAlerts      int    `json:"composite_alerts"`
	CriticalVulns        int    `json:"critical_vulns"`
	HighVulns            int    `json:"high_vulns"`
	NonCompliantCritical int    `json:"non_compliant_critical"`
}

type dashboardResponse struct {
	TotalTenants              int                          `json:"total_tenants"`
	HealthyTenants            int                          `json:"healthy_tenants"`
	ErrorTenants              int                          `json:"error_tenants"`
	TotalCriticalAlerts       int                          `json:"total_critical_alerts"`
	TotalHighAlerts           int                          `json:"total_high_alerts"`
	TotalCompositeAlerts      int                          `json:"total_composite_alerts"`
	TotalCriticalVulns        int                          `json:"total_critical_vulns"`
	TotalExposedCriticalVulns int                          `json:"total_exposed_critical_vulns"`
	TotalHighVulns            int                          `json:"total_high_vulns"`
	TotalNonCompliantCritical int                          `json:"total_non_compliant_critical"`
	Tenants                   []dashboardTenantSummary     `json:"tenants"`
	RecentAlerts              []findings.Alert             `json:"recent_alerts"`
	RecentVulns               []findings.Vuln              `json:"recent_vulns"`
	RecentCompliance          []findings.ComplianceFinding `json:"recent_compliance"`
}

// HandleDashboard aggregates every enabled tenant's latest snapshots
// into the fleet-wide summary: per-tenant cards, global severity
// counts, and the most urgent recent findings across all tenants.
func (h *Handlers) HandleDashboard(c echo.Context) error {
	ctx := c.Request().Context()

	tenants, err := h.Q.ListEnabledTenants(ctx)
	if err != nil {
		return h.RenderError(c, err)
	}

	resp := dashboardResponse{
		TotalTenants:     len(tenants),
		Tenants:          []dashboardTenantSummary{},
		RecentAlerts:     []findings.Alert{},
		RecentVulns:      []findings.Vuln{},
		RecentCompliance: []findings.ComplianceFinding{},
	}

	for _, tenant := range tenants {
		alerts, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeAlerts)
		if err != nil {
			return h.RenderError(c, err)
		}
		hostVulns, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeHostVulns)
		if err != nil {
			return h.RenderError(c, err)
		}
		containerVulns, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeContainerVulns)
		if err != nil {
			return h.RenderError(c, err)
		}
		compliance, err := h.snapshotRecords(ctx, tenant.ID, store.DataTypeCompliance)
		if err != nil {
			return h.RenderError(c, err)
		}

		vulns := make([]json.RawMessage, 0, len(hostVulns)+len(containerVulns))
		vulns = append(vulns, hostVulns...)
		vulns = append(vulns, containerVulns...)

		summary := dashboardTenantSummary{
			TenantID:             tenant.ID,
			TenantName:           tenant.Name,
			Account:              tenant.Account,
			Status:               tenantStatus(tenant),
			CriticalAlerts:       findings.CountBySeverity(alerts, "Critical"),
			HighAlerts:           findings.CountBySeverity(alerts, "High"),
			CompositeAlerts:      countCompositeAlerts(alerts),
			CriticalVulns:        findings.CountBySeverity(vulns, "Critical"),
			HighVulns:            findings.CountBySeverity(vulns, "High"),
			NonCompliantCritical: findings.CountBySeverity(compliance, "Critical"),
		}
		resp.Tenants = append(resp.Tenants, summary)

		resp.TotalCriticalAlerts += summary.CriticalAlerts
		resp.TotalHighAlerts += summary.HighAlerts
		resp.TotalCompositeAlerts += summary.CompositeAlerts
		resp.TotalCriticalVulns += summary.CriticalVulns
		resp.TotalExposedCriticalVulns += countExposedCritical(vulns)
		resp.TotalHighVulns += summary.HighVulns
		resp.TotalNonCompliantCritical += summary.NonCompliantCritical

		switch tenant.LastSyncStatus {
		case store.SyncStatusHealthy:
			resp.HealthyTenants++
		case store.SyncStatusError:
			resp.ErrorTenants++
		}

		resp.RecentAlerts = append(resp.RecentAlerts, findings.BuildAlerts(tenant.Name, alerts)...)
		resp.RecentVulns = append(resp.RecentVulns, findings.BuildVulns(tenant.Name, vulns)...)
		resp.RecentCompliance = append(resp.RecentCompliance, findings.BuildComplianceFindings(tenant.Name, compliance)...)
	}

	findings.SortAlerts(resp.RecentAlerts)
	findings.SortVulns(resp.RecentVulns)
	findings.SortComplianceFindings(resp.RecentCompliance)
	resp.RecentAlerts = capRows(resp.RecentAlerts)
	resp.RecentVulns = capRows(resp.RecentVulns)
	resp.RecentCompliance = capRows(resp.RecentCompliance)

	return c.JSON(http.StatusOK, resp)
}

func tenantStatus(tenant store.Tenant) string {
	if tenant.LastSyncStatus == "" {
		return store.SyncStatusPending
	}
	return tenant.LastSyncStatus
}

func countCompositeAlerts(records []json.RawMessage) int {
	count := 0
	for _, record := range records {
		var raw struct {
			AlertType string `json:"alertType"`
		}
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		if lacework.IsCompositeAlertType(raw.AlertType) {
			count++
		}
	}
	return count
}

// countExposedCritical counts critical vulnerabilities on machines that
// report an external address.
func countExposedCritical(records []json.RawMessage) int {
	count := 0
	for _, record := range records {
		var raw struct {
			Severity string `json:"severity"`
		}
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		if raw.Severity == "Critical" && findings.HasExternalIP(record) {
			count++
		}
	}
	return count
}

func capRows[T any](rows []T) []T {
	if len(rows) > maxRecentRows {
		return rows[:maxRecentRows]
	}
	return rows
}
