package findings

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Identity is one normalized cloud identity with its risk posture.
// LastUsed, DaysUnused and Created are nil when the provider reported
// no usable timestamp.
type Identity struct {
	TenantName            string      `json:"tenant_name"`
	PrincipalID           string      `json:"principal_id"`
	Name                  string      `json:"name"`
	Provider              string      `json:"provider"`
	DomainID              string      `json:"domain_id"`
	RiskScore             float64     `json:"risk_score"`
	RiskSeverity          string      `json:"risk_severity"`
	Risks                 []string    `json:"risks"`
	LastUsed              *string     `json:"last_used"`
	DaysUnused            *int        `json:"days_unused"`
	Created               *string     `json:"created"`
	EntitlementsTotal     int         `json:"entitlements_total"`
	EntitlementsUnused    int         `json:"entitlements_unused"`
	EntitlementsUnusedPct float64     `json:"entitlements_unused_pct"`
	ServicesTotal         int         `json:"services_total"`
	ServicesUnused        int         `json:"services_unused"`
	AccessKeys            []AccessKey `json:"access_keys"`
}

// AccessKey is one long-lived credential attached to an identity.
// LastUsed and Created pass through as the provider reported them.
type AccessKey struct {
	KeyID     string `json:"key_id"`
	Active    bool   `json:"active"`
	LastUsed  any    `json:"last_used"`
	Created   any    `json:"created"`
	HardCoded bool   `json:"hard_coded"`
}

type rawIdentity struct {
	PrincipalID       string          `json:"PRINCIPAL_ID"`
	Name              string          `json:"NAME"`
	ProviderType      string          `json:"PROVIDER_TYPE"`
	DomainID          string          `json:"DOMAIN_ID"`
	LastUsedTime      json.RawMessage `json:"LAST_USED_TIME"`
	CreatedTime       json.RawMessage `json:"CREATED_TIME"`
	Metrics           json.RawMessage `json:"METRICS"`
	EntitlementCounts json.RawMessage `json:"ENTITLEMENT_COUNTS"`
	AccessKeysList    json.RawMessage `json:"ACCESS_KEYS_LIST"`
	AccessKeys        json.RawMessage `json:"ACCESS_KEYS"`
}

type identityMetrics struct {
	RiskScore    float64         `json:"risk_score"`
	RiskSeverity string          `json:"risk_severity"`
	Risks        json.RawMessage `json:"risks"`
}

type entitlementCounts struct {
	EntitlementsTotal     int     `json:"entitlements_total_count"`
	EntitlementsUnused    int     `json:"entitlements_unused_count"`
	EntitlementsUnusedPct float64 `json:"entitlements_unused_percentage"`
	ServicesTotal         int     `json:"services_entitled_total_count"`
	ServicesUnused        int     `json:"services_unused_count"`
}

// BuildIdentities maps raw identity query rows onto Identity entries.
// Nested blobs the provider double-encodes as JSON strings are decoded
// a second time; blobs that fail to decode degrade to empty structures
// instead of failing the row.
func BuildIdentities(tenantName string, records []json.RawMessage) []Identity {
	return buildIdentities(tenantName, records, time.Now())
}

func buildIdentities(tenantName string, records []json.RawMessage, now time.Time) []Identity {
	identities := make([]Identity, 0, len(records))
	for _, record := range records {
		var raw rawIdentity
		if err := json.Unmarshal(record, &raw); err != nil {
			slog.Warn("identity record decode failed", "tenant", tenantName, "err", err)
			continue
		}

		var metrics identityMetrics
		if !isEmptyValue(raw.Metrics) {
			if err := decodeNested(raw.Metrics, &metrics); err != nil {
				slog.Warn("identity metrics decode failed", "tenant", tenantName, "principal_id", raw.PrincipalID, "err", err)
				metrics = identityMetrics{}
			}
		}
		if metrics.RiskSeverity == "" {
			metrics.RiskSeverity = "INFO"
		}

		var counts entitlementCounts
		if !isEmptyValue(raw.EntitlementCounts) {
			if err := decodeNested(raw.EntitlementCounts, &counts); err != nil {
				slog.Warn("identity entitlement counts decode failed", "tenant", tenantName, "principal_id", raw.PrincipalID, "err", err)
				counts = entitlementCounts{}
			}
		}

		risks := []string{}
		if len(metrics.Risks) > 0 {
			if err := decodeNested(metrics.Risks, &risks); err != nil {
				risks = []string{}
			}
		}

		lastUsedAt := epochMillisTime(raw.LastUsedTime)
		var daysUnused *int
		if lastUsedAt != nil {
			days := int(now.Sub(*lastUsedAt) / (24 * time.Hour))
			daysUnused = &days
		}

		identities = append(identities, Identity{
			TenantName:            tenantName,
			PrincipalID:           raw.PrincipalID,
			Name:                  raw.Name,
			Provider:              raw.ProviderType,
			DomainID:              raw.DomainID,
			RiskScore:             metrics.RiskScore,
			RiskSeverity:          metrics.RiskSeverity,
			Risks:                 risks,
			LastUsed:              formatEpochTime(lastUsedAt),
			DaysUnused:            daysUnused,
			Created:               formatEpochTime(epochMillisTime(raw.CreatedTime)),
			EntitlementsTotal:     counts.EntitlementsTotal,
			EntitlementsUnused:    counts.EntitlementsUnused,
			EntitlementsUnusedPct: counts.EntitlementsUnusedPct,
			ServicesTotal:         counts.ServicesTotal,
			ServicesUnused:        counts.ServicesUnused,
			AccessKeys:            buildAccessKeys(raw.AccessKeysList, raw.AccessKeys),
		})
	}
	return identities
}

// SortIdentities orders identities by risk severity rank.
func SortIdentities(identities []Identity) {
	sort.SliceStable(identities, func(i, j int) bool {
		return RiskSeverityRank(identities[i].RiskSeverity) < RiskSeverityRank(identities[j].RiskSeverity)
	})
}

func buildAccessKeys(primary, fallback json.RawMessage) []AccessKey {
	raw := primary
	if isEmptyValue(raw) {
		raw = fallback
	}
	if isEmptyValue(raw) {
		return []AccessKey{}
	}

	var entries []json.RawMessage
	if err := decodeNested(raw, &entries); err != nil {
		// Some tenants report keys as an object keyed by identifier.
		var keyed map[string]json.RawMessage
		if err := decodeNested(raw, &keyed); err != nil {
			return []AccessKey{}
		}
		ids := make([]string, 0, len(keyed))
		for id := range keyed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			entries = append(entries, keyed[id])
		}
	}

	keys := make([]AccessKey, 0, len(entries))
	for _, entry := range entries {
		var fields map[string]any
		if err := json.Unmarshal(entry, &fields); err != nil {
			continue
		}
		keyID, _ := fields["access_key_id"].(string)
		active, _ := fields["active"].(bool)
		hardCoded, _ := fields["hard_coded"].(bool)
		keys = append(keys, AccessKey{
			KeyID:     keyID,
			Active:    active,
			LastUsed:  fields["last_used"],
			Created:   fields["created_time"],
			HardCoded: hardCoded,
		})
	}
	return keys
}

// decodeNested decodes a value that may be either direct JSON or a JSON
// document double-encoded inside a string.
func decodeNested(raw json.RawMessage, dst any) error {
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		return json.Unmarshal([]byte(inner), dst)
	}
	return json.Unmarshal(raw, dst)
}

// epochMillisTime parses an epoch-milliseconds value that may arrive as
// a JSON number or a numeric string. Anything else yields nil.
func epochMillisTime(raw json.RawMessage) *time.Time {
	if isEmptyValue(raw) {
		return nil
	}
	text := strings.TrimSpace(string(raw))
	text = strings.Trim(text, `"`)
	millis, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		asFloat, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil {
			return nil
		}
		millis = int64(asFloat)
	}
	t := time.UnixMilli(millis).UTC()
	return &t
}

func formatEpochTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.Format(time.RFC3339)
	return &formatted
}

func isEmptyValue(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}
