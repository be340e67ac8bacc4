// Package audit implements the append-only audit trail: a SQLite-backed
// event store, a fire-and-forget writer that keeps slow storage off the
// request path, a time-based retention sweep, and the gateway's Prometheus
// metrics.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded in the audit trail.
const (
	EventRequest         = "request"
	EventResponse        = "response"
	EventBlock           = "block"
	EventOverrideAttempt = "override_attempt"
	EventAllowlistBypass = "allowlist_bypass"
	EventEmergencyToggle = "emergency_toggle"
)

// Event is one append-only audit record. Events are never updated or deleted
// except by the time-based retention sweep.
type Event struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	EventType    string    `gorm:"index;size:32" json:"event_type"`
	ClientIP     string    `gorm:"index;size:45" json:"client_ip"`
	ClientDevice string    `gorm:"size:128" json:"client_device,omitempty"`
	Endpoint     string    `gorm:"size:255" json:"endpoint"`
	Method       string    `gorm:"size:16" json:"method,omitempty"`
	Path         string    `gorm:"size:512" json:"path,omitempty"`
	Provider     string    `gorm:"index;size:32" json:"provider,omitempty"`
	PolicyName   string    `gorm:"size:128" json:"policy_name,omitempty"`
	Action       string    `gorm:"index;size:16" json:"action,omitempty"`
	Reason       string    `gorm:"size:512" json:"reason,omitempty"`
	RequestID    string    `gorm:"index;size:36" json:"request_id,omitempty"`
	Preview      string    `gorm:"size:256" json:"preview,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	Status       int       `json:"status,omitempty"`
}

// TableName pins the GORM table name.
func (Event) TableName() string { return "audit_events" }

// Stamp fills the ID and timestamp if unset. Called by the writer so callers
// can construct sparse events.
func (e *Event) Stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}
