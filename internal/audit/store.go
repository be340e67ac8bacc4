package audit

import (
	"context"
	"time"
)

// Query selects events for the admin API. Zero fields are ignored.
type Query struct {
	EventType string
	ClientIP  string
	Action    string
	Since     time.Time
	Limit     int
}

// Stats summarizes audit activity over a window for the admin dashboard.
// AvgDurationMS covers response events only; other event types carry no
// upstream latency.
type Stats struct {
	Total         int64            `json:"total"`
	ByAction      map[string]int64 `json:"by_action"`
	ByProvider    map[string]int64 `json:"by_provider"`
	AvgDurationMS float64          `json:"avg_duration_ms"`
}

// Store persists audit events. Implementations must be safe for concurrent
// use; the writer is the only inserter but the admin API reads concurrently.
type Store interface {
	Insert(ctx context.Context, evt Event) error
	Recent(ctx context.Context, q Query) ([]Event, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
