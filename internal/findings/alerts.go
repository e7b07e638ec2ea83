package findings

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// Alert is one normalized alert row. Composite behavioral alerts share
// this shape with regular alerts; only Category distinguishes them.
type Alert struct {
	TenantName  string `json:"tenant_name"`
	AlertID     int64  `json:"alert_id"`
	Severity    string `json:"severity"`
	AlertType   string `json:"alert_type"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	CreatedTime string `json:"created_time"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

type rawAlert struct {
	AlertID     int64           `json:"alertId"`
	Severity    string          `json:"severity"`
	AlertType   string          `json:"alertType"`
	AlertName   string          `json:"alertName"`
	Status      string          `json:"status"`
	StartTime   string          `json:"startTime"`
	CreatedTime string          `json:"createdTime"`
	AlertInfo   json.RawMessage `json:"alertInfo"`
	Derived     json.RawMessage `json:"derivedFields"`
}

// BuildAlerts maps raw alert records onto Alert rows. Records that fail
// to decode are dropped with a warning rather than failing the page.
func BuildAlerts(tenantName string, records []json.RawMessage) []Alert {
	alerts := make([]Alert, 0, len(records))
	for _, record := range records {
		var raw rawAlert
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("alert record decode failed", "tenant", tenantName, "err", err)
			continue
		}

		alertType := raw.AlertType
		if alertType == "" {
			alertType = raw.AlertName
		}
		if alertType == "" {
			alertType = "Unknown"
		}
		title := raw.AlertName
		if title == "" {
			title = raw.AlertType
		}
		if title == "" {
			title = "Unknown"
		}
		severity := raw.Severity
		if severity == "" {
			severity = "Unknown"
		}
		status := raw.Status
		if status == "" {
			status = "Open"
		}
		createdTime := raw.StartTime
		if createdTime == "" {
			createdTime = raw.CreatedTime
		}

		alerts = append(alerts, Alert{
			TenantName:  tenantName,
			AlertID:     raw.AlertID,
			Severity:    severity,
			AlertType:   alertType,
			Title:       title,
			Status:      status,
			CreatedTime: createdTime,
			Description: objectField(raw.AlertInfo, "description"),
			Category:    objectField(raw.Derived, "category"),
		})
	}
	return alerts
}

// SortAlerts orders alerts by severity rank, oldest first within a rank.
func SortAlerts(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := SeverityRank(alerts[i].Severity), SeverityRank(alerts[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return alerts[i].CreatedTime < alerts[j].CreatedTime
	})
}

// AlertID extracts the alert identifier from a raw record. The second
// return is false when the record carries none.
func AlertID(record json.RawMessage) (int64, bool) {
	var raw struct {
		AlertID *int64 `json:"alertId"`
	}
	if err := json.Unmarshal(record, &raw); err != nil || raw.AlertID == nil {
		return 0, false
	}
	return *raw.AlertID, true
}

// objectField reads a string field from a nested object, returning ""
// when the value is absent, not an object, or not a string.
func objectField(raw json.RawMessage, field string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	var value string
	if err := json.Unmarshal(obj[field], &value); err != nil {
		return ""
	}
	return value
}
