package lacework

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/open-cnapp/open-cnapp/internal/findings"
)

// Page budgets per endpoint, sized to the result volume each one is
// expected to return.
const (
	compositeSearchPages = 2
	searchPages          = 3
	detailedSearchPages  = 5
)

// DefaultCompositeLookbackDays is how far back the composite-alert
// search reaches when the caller does not say otherwise.
const DefaultCompositeLookbackDays = 90

// compositeChunkDays is the provider's hard cap on one search query's
// time span.
const compositeChunkDays = 7

// CompositeAlertTypes are the behavioral alert categories the windowed
// search fans out over. The alertType filter supports only exact match,
// so each category is queried separately.
var CompositeAlertTypes = []string{
	"PotentiallyCompromisedAwsCredentials",
	"PotentiallyCompromisedAwsIdentity",
	"PotentiallyCompromisedHost",
	"SuspiciousActivityAwsUser",
	"SuspiciousActivityHost",
	"SuspiciousActivityGCP",
	"SuspiciousActivityAzure",
	"CompromisedAwsHost",
}

// IsCompositeAlertType reports whether alertType names one of the
// behavioral alert categories.
func IsCompositeAlertType(alertType string) bool {
	return slices.Contains(CompositeAlertTypes, alertType)
}

var complianceDatasets = []string{"AwsCompliance", "GcpCompliance", "AzureCompliance"}

type searchRequest struct {
	TimeFilter timeFilter     `json:"timeFilter"`
	Dataset    string         `json:"dataset,omitempty"`
	Filters    []searchFilter `json:"filters"`
	Returns    []string       `json:"returns,omitempty"`
}

type searchFilter struct {
	Field      string   `json:"field"`
	Expression string   `json:"expression"`
	Value      string   `json:"value,omitempty"`
	Values     []string `json:"values,omitempty"`
}

// ListAlerts fetches current alerts with details and keeps those at or
// above maxSeverity ("Critical" keeps only Critical). An empty
// maxSeverity keeps everything. Results are ordered most severe first.
func (c *Client) ListAlerts(ctx context.Context, maxSeverity string) ([]json.RawMessage, error) {
	resp, err := c.request(ctx, http.MethodGet, "/api/v2/Alerts?details=Details", nil)
	if err != nil {
		return nil, err
	}

	alerts := resp.Data
	if maxSeverity != "" {
		maxRank := findings.SeverityRank(maxSeverity)
		kept := alerts[:0]
		for _, record := range alerts {
			if alertRank(record) <= maxRank {
				kept = append(kept, record)
			}
		}
		alerts = kept
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alertRank(alerts[i]) < alertRank(alerts[j])
	})
	return alerts, nil
}

// SearchCompositeAlerts retrieves all composite behavioral alerts over
// the lookback window. The search endpoint caps each query at 7 days of
// span, so the lookback is partitioned into consecutive chunks, most
// recent first, with one paginated sub-query per category fanned out
// concurrently inside each chunk. Results are deduplicated by alert
// identifier (first occurrence wins) and ordered by severity rank, then
// start time. A failed category sub-query contributes an empty result.
func (c *Client) SearchCompositeAlerts(ctx context.Context, lookbackDays int) ([]json.RawMessage, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultCompositeLookbackDays
	}

	now := c.now().UTC()
	seen := make(map[int64]json.RawMessage)
	var order []int64

	for offset := 0; offset < lookbackDays; offset += compositeChunkDays {
		startDays := offset + compositeChunkDays
		if startDays > lookbackDays {
			startDays = lookbackDays
		}
		window := timeFilter{
			StartTime: now.Add(-time.Duration(startDays) * 24 * time.Hour).Format(timeFormat),
			EndTime:   now.Add(-time.Duration(offset) * 24 * time.Hour).Format(timeFormat),
		}

		results := make([][]json.RawMessage, len(CompositeAlertTypes))
		g, gctx := errgroup.WithContext(ctx)
		for i, category := range CompositeAlertTypes {
			g.Go(func() error {
				body := searchRequest{
					TimeFilter: window,
					Filters: []searchFilter{
						{Field: "alertType", Expression: "eq", Value: category},
					},
				}
				records, err := c.paginate(gctx, http.MethodPost, "/api/v2/Alerts/search", body, compositeSearchPages)
				if err != nil {
					slog.Warn("composite alert search failed",
						"category", category, "window_start", window.StartTime, "err", err)
					if c.OnCategoryFailure != nil {
						c.OnCategoryFailure(category)
					}
					return nil
				}
				results[i] = records
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, records := range results {
			for _, record := range records {
				id, ok := findings.AlertID(record)
				if !ok || id == 0 {
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = record
				order = append(order, id)
			}
		}
	}

	alerts := make([]json.RawMessage, 0, len(order))
	for _, id := range order {
		alerts = append(alerts, seen[id])
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, si := alertSortKey(alerts[i])
		rj, sj := alertSortKey(alerts[j])
		if ri != rj {
			return ri < rj
		}
		return si < sj
	})
	return alerts, nil
}

// SearchHostVulns fetches active host vulnerabilities at the given
// severity plus Critical over the last 24 hours.
func (c *Client) SearchHostVulns(ctx context.Context, severity string) ([]json.RawMessage, error) {
	if severity == "" {
		severity = "Critical"
	}
	body := searchRequest{
		TimeFilter: c.last24h(),
		Filters: []searchFilter{
			{Field: "severity", Expression: "in", Values: []string{severity, "Critical"}},
		},
		Returns: []string{"vulnId", "severity", "status", "fixInfo", "featureKey", "machineTags"},
	}
	return c.paginate(ctx, http.MethodPost, "/api/v2/Vulnerabilities/Hosts/search", body, searchPages)
}

// SearchContainerVulns fetches container image vulnerabilities at the
// given severity plus Critical over the last 24 hours.
func (c *Client) SearchContainerVulns(ctx context.Context, severity string) ([]json.RawMessage, error) {
	if severity == "" {
		severity = "Critical"
	}
	body := searchRequest{
		TimeFilter: c.last24h(),
		Filters: []searchFilter{
			{Field: "severity", Expression: "in", Values: []string{severity, "Critical"}},
		},
		Returns: []string{"vulnId", "severity", "status", "fixInfo", "featureKey", "imageId"},
	}
	return c.paginate(ctx, http.MethodPost, "/api/v2/Vulnerabilities/Containers/search", body, searchPages)
}

// SearchHostVulnsDetailed fetches Critical and High host vulnerability
// occurrences with machine context and observation times, paging deeper
// than the summary search.
func (c *Client) SearchHostVulnsDetailed(ctx context.Context) ([]json.RawMessage, error) {
	body := searchRequest{
		TimeFilter: c.last24h(),
		Filters: []searchFilter{
			{Field: "severity", Expression: "in", Values: []string{"Critical", "High"}},
		},
		Returns: []string{"vulnId", "severity", "status", "fixInfo", "featureKey", "machineTags", "startTime", "endTime"},
	}
	return c.paginate(ctx, http.MethodPost, "/api/v2/Vulnerabilities/Hosts/search", body, detailedSearchPages)
}

// ComplianceEvaluations fetches Critical and High non-compliant
// evaluations across all cloud provider datasets over the last 24
// hours. Each record is tagged with the dataset it came from; a failed
// dataset is logged and skipped rather than failing the whole fetch.
func (c *Client) ComplianceEvaluations(ctx context.Context) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for _, dataset := range complianceDatasets {
		body := searchRequest{
			TimeFilter: c.last24h(),
			Dataset:    dataset,
			Filters: []searchFilter{
				{Field: "severity", Expression: "in", Values: []string{"Critical", "High"}},
				{Field: "status", Expression: "eq", Value: "NonCompliant"},
			},
		}
		records, err := c.paginate(ctx, http.MethodPost, "/api/v2/Configs/ComplianceEvaluations/search", body, searchPages)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Error("compliance evaluation search failed", "dataset", dataset, "err", err)
			continue
		}
		for _, record := range records {
			all = append(all, tagDataset(record, dataset))
		}
	}
	return all, nil
}

// tagDataset stamps the source dataset onto a record so later stages
// can tell the provider evaluations apart.
func tagDataset(record json.RawMessage, dataset string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return record
	}
	fields["dataset"] = json.RawMessage(strconv.Quote(dataset))
	tagged, err := json.Marshal(fields)
	if err != nil {
		return record
	}
	return tagged
}

func alertRank(record json.RawMessage) int {
	rank, _ := alertSortKey(record)
	return rank
}

func alertSortKey(record json.RawMessage) (int, string) {
	var raw struct {
		Severity  string `json:"severity"`
		StartTime string `json:"startTime"`
	}
	if err := json.Unmarshal(record, &raw); err != nil {
		return findings.SeverityRank(""), ""
	}
	return findings.SeverityRank(raw.Severity), raw.StartTime
}
