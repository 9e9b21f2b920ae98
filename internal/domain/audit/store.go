package audit

import (
	"context"
	"time"
)

// Filter selects events for dashboard queries.
type Filter struct {
	// Limit caps the number of events returned, newest first.
	// Zero means the store default (50), capped at 500.
	Limit int
	// IncludeSuppressed includes ALLOW_SUPPRESSED events.
	IncludeSuppressed bool
}

// Counts is the aggregate view behind the dashboard counters endpoint.
type Counts struct {
	Total      int64 `json:"total"`
	Allowed    int64 `json:"allowed"`
	Blocked    int64 `json:"blocked"`
	Suppressed int64 `json:"suppressed"`
}

// Store persists audit events.
// Interface owned by domain; the SQLite implementation lives in
// adapter/outbound/auditstore.
type Store interface {
	// Append stores events. Duplicate scan ids are ignored so retried
	// writes stay idempotent.
	Append(ctx context.Context, events ...Event) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter Filter) ([]Event, error)

	// Counts aggregates event totals since the given time.
	// A zero time means all-time.
	Counts(ctx context.Context, since time.Time) (Counts, error)

	// PurgeOlderThan deletes events strictly older than the boundary.
	// Events exactly at the boundary are kept. Returns rows deleted.
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
