package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "opencnapp"
)

var (
	fetchDurationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600}

	// Tenant fetch metrics
	TenantFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tenant_fetch_duration_seconds",
		Help:      "Time taken to aggregate one tenant's findings.",
		Buckets:   fetchDurationBuckets,
	}, []string{"tenant"})

	TenantFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tenant_fetches_total",
		Help:      "Count of per-tenant aggregation attempts.",
	}, []string{"tenant", "status"})

	TenantLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last healthy aggregation per tenant.",
	}, []string{"tenant"})

	// Composite search: per-category failures degrade to empty results, so
	// this counter is the only persistent signal that a category is broken.
	CategoryFetchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "category_fetch_failures_total",
		Help:      "Count of composite alert category sub-queries that returned an error.",
	}, []string{"tenant", "category"})

	// Snapshot metrics
	FindingsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "findings_total",
		Help:      "Number of findings in the latest snapshot.",
	}, []string{"tenant", "data_type"})

	SnapshotWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_write_failures_total",
		Help:      "Count of snapshot persistence failures. Writes are transactional per tenant.",
	}, []string{"tenant"})
)
