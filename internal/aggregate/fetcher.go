package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/open-cnapp/open-cnapp/internal/findings"
	"github.com/open-cnapp/open-cnapp/internal/lacework"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

// Fetch severities: the alert list is capped at Critical so every
// severity comes back, while vulnerability searches cut off below High
// to keep snapshot payloads bounded.
const (
	alertMaxSeverity = "Critical"
	vulnMinSeverity  = "High"
)

// FindingsClient is the slice of the platform client one tenant fetch
// drives. *lacework.Client satisfies it.
type FindingsClient interface {
	ListAlerts(ctx context.Context, maxSeverity string) ([]json.RawMessage, error)
	SearchCompositeAlerts(ctx context.Context, lookbackDays int) ([]json.RawMessage, error)
	SearchHostVulns(ctx context.Context, severity string) ([]json.RawMessage, error)
	SearchContainerVulns(ctx context.Context, severity string) ([]json.RawMessage, error)
	ComplianceEvaluations(ctx context.Context) ([]json.RawMessage, error)
	QueryIdentities(ctx context.Context, lookbackDays int) ([]json.RawMessage, error)
}

// TenantData is one tenant's aggregation outcome. When Status is
// "error" the collections are empty and Error keeps the failure
// message for the tenant record.
type TenantData struct {
	Status string
	Error  string

	Alerts         []json.RawMessage
	HostVulns      []json.RawMessage
	ContainerVulns []json.RawMessage
	Compliance     []json.RawMessage
	Identities     []json.RawMessage
}

// RecordsFor returns the collection backing one snapshot data type,
// never nil so callers can marshal it straight to a JSON array.
func (d TenantData) RecordsFor(dataType string) []json.RawMessage {
	var records []json.RawMessage
	switch dataType {
	case store.DataTypeAlerts:
		records = d.Alerts
	case store.DataTypeHostVulns:
		records = d.HostVulns
	case store.DataTypeContainerVulns:
		records = d.ContainerVulns
	case store.DataTypeCompliance:
		records = d.Compliance
	case store.DataTypeIdentities:
		records = d.Identities
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records
}

func errorTenantData(err error) TenantData {
	return TenantData{Status: store.SyncStatusError, Error: err.Error()}
}

// FetchTenantData collects a tenant's five data sets in one shot: the
// six underlying fetches run concurrently and composite alerts are
// folded into the alert list afterwards. A failure in any fetch
// cancels its siblings and degrades the whole tenant to an error
// outcome with empty collections; partial data is never returned.
func FetchTenantData(ctx context.Context, client FindingsClient) TenantData {
	var (
		alerts          []json.RawMessage
		compositeAlerts []json.RawMessage
		hostVulns       []json.RawMessage
		containerVulns  []json.RawMessage
		compliance      []json.RawMessage
		identities      []json.RawMessage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		alerts, err = client.ListAlerts(gctx, alertMaxSeverity)
		return err
	})
	g.Go(func() error {
		var err error
		compositeAlerts, err = client.SearchCompositeAlerts(gctx, lacework.DefaultCompositeLookbackDays)
		return err
	})
	g.Go(func() error {
		var err error
		hostVulns, err = client.SearchHostVulns(gctx, vulnMinSeverity)
		return err
	})
	g.Go(func() error {
		var err error
		containerVulns, err = client.SearchContainerVulns(gctx, vulnMinSeverity)
		return err
	})
	g.Go(func() error {
		var err error
		compliance, err = client.ComplianceEvaluations(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		identities, err = client.QueryIdentities(gctx, lacework.DefaultIdentityLookbackDays)
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("tenant fetch failed", "err", err)
		return errorTenantData(err)
	}

	return TenantData{
		Status:         store.SyncStatusHealthy,
		Alerts:         mergeCompositeAlerts(alerts, compositeAlerts),
		HostVulns:      hostVulns,
		ContainerVulns: containerVulns,
		Compliance:     compliance,
		Identities:     identities,
	}
}

// mergeCompositeAlerts appends composite records the plain alert list
// does not already contain. The two searches overlap for recent
// windows, so alert ids dedupe them; the plain record wins because it
// carries the richer Details payload.
func mergeCompositeAlerts(alerts, composite []json.RawMessage) []json.RawMessage {
	if len(composite) == 0 {
		return alerts
	}

	seen := make(map[int64]struct{}, len(alerts))
	for _, record := range alerts {
		if id, ok := findings.AlertID(record); ok {
			seen[id] = struct{}{}
		}
	}

	merged := alerts
	for _, record := range composite {
		id, ok := findings.AlertID(record)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, record)
	}
	return merged
}
