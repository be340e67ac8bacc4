// Package config handles YAML configuration parsing, defaults, and validation
// for the yori LLM gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Operating modes in increasing strictness.
const (
	ModeObserve  = "observe"
	ModeAdvisory = "advisory"
	ModeEnforce  = "enforce"
)

// Policy actions.
const (
	ActionAllow = "allow"
	ActionAlert = "alert"
	ActionBlock = "block"
)

// Config is the root configuration for the yori gateway.
type Config struct {
	Mode        string            `yaml:"mode"`
	Listen      ListenConfig      `yaml:"listen"`
	Endpoints   []EndpointConfig  `yaml:"endpoints"`
	Policies    PoliciesConfig    `yaml:"policies"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Audit       AuditConfig       `yaml:"audit"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
	Reload      ReloadConfig      `yaml:"reload"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// ListenConfig defines the proxy listener address and connection limits.
type ListenConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	MaxConnections  int       `yaml:"max_connections"`
	TrustedProxies  []string  `yaml:"trusted_proxies"`
	UpstreamTimeout Duration  `yaml:"upstream_timeout"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig holds the certificate used to terminate intercepted connections.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// EndpointConfig describes one LLM API endpoint subject to interception.
// Hosts not listed here are rejected without consulting the decision engine.
type EndpointConfig struct {
	Domain  string `yaml:"domain"`
	Enabled *bool  `yaml:"enabled"` // default true
}

// PoliciesConfig points at the external policy rule files and carries the
// per-policy enforcement overrides.
type PoliciesConfig struct {
	Directory string                      `yaml:"directory"`
	Files     map[string]PolicyFileConfig `yaml:"files"`
}

// PolicyFileConfig is the per-policy enforcement override. The configured
// action, not the raw verdict's action, determines whether a block occurs.
type PolicyFileConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Action        string `yaml:"action"`
	AllowOverride *bool  `yaml:"allow_override"` // default true
	Message       string `yaml:"message"`        // custom block page message
}

// EnforcementConfig gates all blocking behavior. Blocking requires mode=enforce,
// enabled=true, and consent_accepted=true simultaneously.
type EnforcementConfig struct {
	Enabled           bool                    `yaml:"enabled"`
	ConsentAccepted   bool                    `yaml:"consent_accepted"`
	Allowlist         AllowlistConfig         `yaml:"allowlist"`
	EmergencyOverride EmergencyOverrideConfig `yaml:"emergency_override"`
	Override          OverrideConfig          `yaml:"override"`
}

// AllowlistConfig holds devices, groups, and time exceptions exempt from
// enforcement.
type AllowlistConfig struct {
	Devices        []DeviceConfig        `yaml:"devices"`
	Groups         []GroupConfig         `yaml:"groups"`
	TimeExceptions []TimeExceptionConfig `yaml:"time_exceptions"`
}

// DeviceConfig is one allowlisted device. Permanent devices bypass enforcement
// even when disabled; expires_at in the past makes a non-permanent entry inert.
type DeviceConfig struct {
	IP        string     `yaml:"ip"`
	Name      string     `yaml:"name"`
	MAC       string     `yaml:"mac"`
	Enabled   *bool      `yaml:"enabled"` // default true
	Permanent bool       `yaml:"permanent"`
	ExpiresAt *time.Time `yaml:"expires_at"`
	Notes     string     `yaml:"notes"`
}

// GroupConfig is a label over a set of device IPs. Groups are flattened into
// the device matching set; they do not form a separate code path.
type GroupConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	DeviceIPs   []string `yaml:"device_ips"`
	Enabled     *bool    `yaml:"enabled"` // default true
}

// TimeExceptionConfig is a recurring weekly window during which listed devices
// are exempt from enforcement. Start/end may wrap midnight.
type TimeExceptionConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Days        []string `yaml:"days"`
	StartTime   string   `yaml:"start_time"`
	EndTime     string   `yaml:"end_time"`
	DeviceIPs   []string `yaml:"device_ips"`
	Enabled     *bool    `yaml:"enabled"` // default true
}

// EmergencyOverrideConfig is the global kill-switch. While enabled, every
// decision resolves to allow.
type EmergencyOverrideConfig struct {
	Enabled         bool       `yaml:"enabled"`
	PasswordHash    string     `yaml:"password_hash"`
	RequirePassword *bool      `yaml:"require_password"` // default true
	ActivatedAt     *time.Time `yaml:"activated_at"`
	ActivatedBy     string     `yaml:"activated_by"`
}

// OverrideConfig controls the block-page override path. An empty password_hash
// falls back to the emergency override password.
type OverrideConfig struct {
	PasswordHash      string   `yaml:"password_hash"`
	MaxAttempts       int      `yaml:"max_attempts"`
	Window            Duration `yaml:"window"`
	Lockout           Duration `yaml:"lockout"`
	TempAllowDuration Duration `yaml:"temp_allow_duration"`
}

// AuditConfig configures the append-only audit store.
type AuditConfig struct {
	Database      string `yaml:"database"`
	RetentionDays int    `yaml:"retention_days"`
	FallbackLog   string `yaml:"fallback_log"`
	QueueSize     int    `yaml:"queue_size"`
}

// AlertsConfig configures outbound notifications for alert and block events.
// URLs use shoutrrr notation (e.g. "telegram://token@telegram?chats=...").
type AlertsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	URLs      []string `yaml:"urls"`
	MinAction string   `yaml:"min_action"` // "alert" or "block"
}

// AdminConfig configures the local management API consumed by the router UI.
type AdminConfig struct {
	Enabled bool            `yaml:"enabled"`
	Host    string          `yaml:"host"`
	Port    int             `yaml:"port"`
	Auth    AdminAuthConfig `yaml:"auth"`
}

// AdminAuthConfig holds bearer token validation parameters for the admin API.
type AdminAuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
}

// LoggingConfig defines log output format and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ReloadConfig controls config hot-reload behavior (SIGHUP and file watching).
type ReloadConfig struct {
	Enabled   *bool    `yaml:"enabled"`    // default true
	WatchFile *bool    `yaml:"watch_file"` // default true
	Debounce  Duration `yaml:"debounce"`   // default 2s
}

// ShutdownConfig defines the graceful shutdown timeout.
type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// Duration is a time.Duration that supports YAML string parsing (e.g., "30s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// BoolOr resolves an optional bool, returning def when unset.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Parse unmarshals raw YAML and applies defaults without validating. Most
// callers want Load; Parse exists for tooling that reports on invalid
// configurations instead of refusing them.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Load reads, parses, applies defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
