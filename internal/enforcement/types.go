// Package enforcement implements the decision engine that resolves a final
// allow/alert/block verdict for every intercepted request by combining the
// raw policy verdict with device allowlists, time-windowed exceptions, the
// emergency kill-switch, and consent gating.
package enforcement

import "time"

// Action is a policy outcome: allow, alert, or block.
type Action string

const (
	ActionAllow Action = "allow"
	ActionAlert Action = "alert"
	ActionBlock Action = "block"
)

// Verdict is the raw judgment produced by the external policy evaluator for
// one request. Immutable once received; the configured per-policy action, not
// Verdict.Action, determines whether a block actually occurs.
type Verdict struct {
	PolicyName string
	Action     Action
	Reason     string
	Metadata   map[string]string
}

// Request carries the client identity and target of one intercepted request.
type Request struct {
	ID        string
	ClientIP  string
	ClientMAC string // optional, from the router's ARP table
	Host      string
	Method    string
	Path      string
}

// Decision is the final, authoritative outcome for one request. Produced
// fresh per request and never mutated after creation; it is the unit written
// to the audit trail and, when blocking, rendered to the client.
type Decision struct {
	ShouldBlock   bool
	ActionTaken   Action
	PolicyName    string
	Reason        string
	Timestamp     time.Time
	RequestID     string
	AllowOverride bool

	// Rule names the terminal rule for auditability of the priority chain.
	Rule string
	// DeviceName is set when an allowlist match produced the decision.
	DeviceName string
	// ExceptionName is set when a time exception produced the decision.
	ExceptionName string
}

// Device is an allowlist entry in resolved (snapshot) form. Group members are
// flattened into Devices before matching.
type Device struct {
	IP        string
	Name      string
	MAC       string
	Enabled   bool
	Permanent bool
	ExpiresAt *time.Time
}

// TimeException is a recurring weekly exemption window in resolved form.
type TimeException struct {
	Name      string
	Days      []string // lowercase weekday names
	StartTime string   // HH:MM
	EndTime   string   // HH:MM
	DeviceIPs []string
	Enabled   bool
}

// PolicyOverride is the resolved per-policy enforcement configuration.
type PolicyOverride struct {
	Enabled       bool
	Action        Action
	AllowOverride bool
	Message       string
}

// EmergencyState is the global kill-switch state. While Enabled, every
// decision resolves to allow before any other logic runs.
type EmergencyState struct {
	Enabled         bool
	PasswordHash    string
	RequirePassword bool
	ActivatedAt     *time.Time
	ActivatedBy     string
}
