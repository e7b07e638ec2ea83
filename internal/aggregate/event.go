package aggregate

import "time"

// Event is one progress or outcome notification from an aggregation
// run. Source is "aggregate" for run-level events and the tenant name
// for per-tenant events.
type Event struct {
	RunID   string
	Source  string
	Stage   string
	Current int64
	Total   int64
	Message string
	Done    bool
	Err     error
	At      time.Time
}

// Reporter receives aggregation events. Implementations must be safe
// for concurrent use; tenants report from parallel workers.
type Reporter interface {
	Report(Event)
}
