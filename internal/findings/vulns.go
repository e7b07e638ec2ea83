package findings

import (
	"encoding/json"
	"log/slog"
)

const maxVulnRows = 30

// Vuln is one deduplicated vulnerability row. Raw records repeat per
// affected host or image; HostCount carries how many collapsed into
// this row.
type Vuln struct {
	TenantName string `json:"tenant_name"`
	VulnID     string `json:"vuln_id"`
	Severity   string `json:"severity"`
	Package    string `json:"package,omitempty"`
	Version    string `json:"version,omitempty"`
	FixVersion string `json:"fix_version,omitempty"`
	HostCount  int    `json:"host_count"`
	Status     string `json:"status"`
}

// VulnDetail is one vulnerability occurrence with the machine it was
// observed on. Unlike Vuln, records are not collapsed.
type VulnDetail struct {
	TenantName    string `json:"tenant_name"`
	VulnID        string `json:"vuln_id"`
	Severity      string `json:"severity"`
	Package       string `json:"package,omitempty"`
	Version       string `json:"version,omitempty"`
	FixVersion    string `json:"fix_version,omitempty"`
	Hostname      string `json:"hostname,omitempty"`
	ExternalIP    string `json:"external_ip,omitempty"`
	InstanceIDTag string `json:"instance_id_tag,omitempty"`
	Status        string `json:"status"`
}

type rawVuln struct {
	VulnID     string          `json:"vulnId"`
	Severity   string          `json:"severity"`
	Status     string          `json:"status"`
	FeatureKey json.RawMessage `json:"featureKey"`
	FixInfo    json.RawMessage `json:"fixInfo"`
	Tags       json.RawMessage `json:"machineTags"`
}

func (r rawVuln) id() string {
	if r.VulnID == "" {
		return "unknown"
	}
	return r.VulnID
}

func (r rawVuln) severityOrUnknown() string {
	if r.Severity == "" {
		return "Unknown"
	}
	return r.Severity
}

func (r rawVuln) statusOrActive() string {
	if r.Status == "" {
		return "Active"
	}
	return r.Status
}

func (r rawVuln) fixVersion() string {
	if v := objectField(r.FixInfo, "fixed_version"); v != "" {
		return v
	}
	return objectField(r.FixInfo, "fixedVersion")
}

// BuildVulns collapses raw vulnerability records by identifier, counting
// affected hosts, and returns the 30 most severe rows.
func BuildVulns(tenantName string, records []json.RawMessage) []Vuln {
	vulns := make([]Vuln, 0, len(records))
	index := make(map[string]int, len(records))
	for _, record := range records {
		var raw rawVuln
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("vulnerability record decode failed", "tenant", tenantName, "err", err)
			continue
		}
		id := raw.id()
		if at, ok := index[id]; ok {
			vulns[at].HostCount++
			continue
		}
		index[id] = len(vulns)
		vulns = append(vulns, Vuln{
			TenantName: tenantName,
			VulnID:     id,
			Severity:   raw.severityOrUnknown(),
			Package:    objectField(raw.FeatureKey, "name"),
			Version:    objectField(raw.FeatureKey, "version"),
			FixVersion: raw.fixVersion(),
			HostCount:  1,
			Status:     raw.statusOrActive(),
		})
	}
	sortBySeverity(vulns, func(v Vuln) string { return v.Severity })
	if len(vulns) > maxVulnRows {
		vulns = vulns[:maxVulnRows]
	}
	return vulns
}

// BuildVulnDetails maps every raw vulnerability record onto a VulnDetail
// row, pulling host identity out of the machine tags.
func BuildVulnDetails(tenantName string, records []json.RawMessage) []VulnDetail {
	details := make([]VulnDetail, 0, len(records))
	for _, record := range records {
		var raw rawVuln
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("vulnerability record decode failed", "tenant", tenantName, "err", err)
			continue
		}
		hostname := objectField(raw.Tags, "Hostname")
		if hostname == "" {
			hostname = objectField(raw.Tags, "hostname")
		}
		externalIP := objectField(raw.Tags, "ExternalIp")
		if externalIP == "" {
			externalIP = objectField(raw.Tags, "externalIp")
		}
		instanceID := objectField(raw.Tags, "InstanceId")
		if instanceID == "" {
			instanceID = objectField(raw.Tags, "instanceId")
		}
		if instanceID == "" {
			instanceID = objectField(raw.Tags, "AWSInstanceId")
		}
		details = append(details, VulnDetail{
			TenantName:    tenantName,
			VulnID:        raw.id(),
			Severity:      raw.severityOrUnknown(),
			Package:       objectField(raw.FeatureKey, "name"),
			Version:       objectField(raw.FeatureKey, "version"),
			FixVersion:    raw.fixVersion(),
			Hostname:      hostname,
			ExternalIP:    externalIP,
			InstanceIDTag: instanceID,
			Status:        raw.statusOrActive(),
		})
	}
	return details
}

// SortVulns orders collapsed rows by severity rank.
func SortVulns(vulns []Vuln) {
	sortBySeverity(vulns, func(v Vuln) string { return v.Severity })
}

// SortVulnDetails orders occurrence rows by severity rank.
func SortVulnDetails(details []VulnDetail) {
	sortBySeverity(details, func(d VulnDetail) string { return d.Severity })
}

// HasExternalIP reports whether a raw vulnerability record's machine
// tags carry a non-empty external address. The dashboard uses it to
// count internet-exposed critical vulnerabilities.
func HasExternalIP(record json.RawMessage) bool {
	var raw rawVuln
	if err := json.Unmarshal(record, &raw); err != nil {
		return false
	}
	if objectField(raw.Tags, "ExternalIp") != "" {
		return true
	}
	return objectField(raw.Tags, "externalIp") != ""
}

// CountBySeverity counts raw records whose severity field equals the
// given value exactly.
func CountBySeverity(records []json.RawMessage, severity string) int {
	count := 0
	for _, record := range records {
		var raw struct {
			Severity string `json:"severity"`
		}
		if err := json.Unmarshal(record, &raw); err != nil {
			continue
		}
		if raw.Severity == severity {
			count++
		}
	}
	return count
}
