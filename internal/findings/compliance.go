package findings

import (
	"encoding/json"
	"log/slog"
	"sort"
)

const maxComplianceRows = 20

// ComplianceFinding is one summarized compliance evaluation for the
// dashboard.
type ComplianceFinding struct {
	TenantName string `json:"tenant_name"`
	ReportType string `json:"report_type"`
	Severity   string `json:"severity"`
	Title      string `json:"title"`
	Resource   string `json:"resource,omitempty"`
	PolicyID   string `json:"policy_id,omitempty"`
	Status     string `json:"status"`
}

// ComplianceDetail is one compliance evaluation with its full placement
// context for the compliance page.
type ComplianceDetail struct {
	TenantName string `json:"tenant_name"`
	Dataset    string `json:"dataset"`
	Severity   string `json:"severity"`
	Section    string `json:"section,omitempty"`
	Title      string `json:"title"`
	Reason     string `json:"reason,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Region     string `json:"region,omitempty"`
	Account    string `json:"account,omitempty"`
	Status     string `json:"status"`
}

type rawCompliance struct {
	Dataset             string          `json:"dataset"`
	ReportType          string          `json:"reportType"`
	Severity            string          `json:"severity"`
	Section             string          `json:"section"`
	Title               string          `json:"title"`
	Recommendation      string          `json:"recommendation"`
	RecommendationTitle string          `json:"recommendationTitle"`
	Reason              string          `json:"reason"`
	Resource            string          `json:"resource"`
	ResourceName        string          `json:"resourceName"`
	Region              string          `json:"region"`
	Account             json.RawMessage `json:"account"`
	ID                  string          `json:"id"`
	Status              string          `json:"status"`
}

func (r rawCompliance) severityOrUnknown() string {
	if r.Severity == "" {
		return "Unknown"
	}
	return r.Severity
}

func (r rawCompliance) statusOrNonCompliant() string {
	if r.Status == "" {
		return "NonCompliant"
	}
	return r.Status
}

func (r rawCompliance) datasetOrUnknown() string {
	if r.Dataset == "" {
		return "Unknown"
	}
	return r.Dataset
}

// BuildComplianceFindings maps the first 20 raw evaluations onto
// dashboard rows.
func BuildComplianceFindings(tenantName string, records []json.RawMessage) []ComplianceFinding {
	if len(records) > maxComplianceRows {
		records = records[:maxComplianceRows]
	}
	findings := make([]ComplianceFinding, 0, len(records))
	for _, record := range records {
		var raw rawCompliance
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("compliance record decode failed", "tenant", tenantName, "err", err)
			continue
		}
		reportType := raw.Dataset
		if reportType == "" {
			reportType = raw.ReportType
		}
		if reportType == "" {
			reportType = "Unknown"
		}
		title := raw.Recommendation
		if title == "" {
			title = raw.Title
		}
		if title == "" {
			title = raw.RecommendationTitle
		}
		if title == "" {
			title = "Unknown"
		}
		resource := raw.Resource
		if resource == "" {
			resource = raw.ResourceName
		}
		findings = append(findings, ComplianceFinding{
			TenantName: tenantName,
			ReportType: reportType,
			Severity:   raw.severityOrUnknown(),
			Title:      title,
			Resource:   resource,
			PolicyID:   raw.ID,
			Status:     raw.statusOrNonCompliant(),
		})
	}
	return findings
}

// BuildComplianceDetails maps every raw evaluation onto a compliance
// page row.
func BuildComplianceDetails(tenantName string, records []json.RawMessage) []ComplianceDetail {
	details := make([]ComplianceDetail, 0, len(records))
	for _, record := range records {
		var raw rawCompliance
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("compliance record decode failed", "tenant", tenantName, "err", err)
			continue
		}
		title := raw.Title
		if title == "" {
			title = raw.Recommendation
		}
		if title == "" {
			title = "Unknown"
		}
		details = append(details, ComplianceDetail{
			TenantName: tenantName,
			Dataset:    raw.datasetOrUnknown(),
			Severity:   raw.severityOrUnknown(),
			Section:    raw.Section,
			Title:      title,
			Reason:     raw.Reason,
			Resource:   raw.Resource,
			Region:     raw.Region,
			Account:    accountLabel(raw.Account),
			Status:     raw.statusOrNonCompliant(),
		})
	}
	return details
}

// SortComplianceFindings orders dashboard rows by severity rank.
func SortComplianceFindings(findings []ComplianceFinding) {
	sortBySeverity(findings, func(f ComplianceFinding) string { return f.Severity })
}

// SortComplianceDetails orders compliance page rows by severity rank.
func SortComplianceDetails(details []ComplianceDetail) {
	sortBySeverity(details, func(d ComplianceDetail) string { return d.Severity })
}

// ComplianceDatasets returns the sorted distinct datasets present in a
// tenant's raw evaluations.
func ComplianceDatasets(records []json.RawMessage) []string {
	seen := make(map[string]struct{})
	for _, record := range records {
		var raw struct {
			Dataset string `json:"dataset"`
		}
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		if raw.Dataset == "" {
			raw.Dataset = "Unknown"
		}
		seen[raw.Dataset] = struct{}{}
	}
	datasets := make([]string, 0, len(seen))
	for dataset := range seen {
		datasets = append(datasets, dataset)
	}
	sort.Strings(datasets)
	return datasets
}

// accountLabel renders the account field, which the provider returns
// either as a plain string or as an object naming the account.
func accountLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return label
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if name := objectField(raw, "accountName"); name != "" {
		return name
	}
	if id := objectField(raw, "accountId"); id != "" {
		return id
	}
	return string(raw)
}
