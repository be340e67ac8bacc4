package config

import (
	"fmt"
	"reflect"
)

// Change describes a single configuration field that differs between two configs.
type Change struct {
	Field      string      // dot-separated field path (e.g., "enforcement.enabled")
	OldValue   interface{} // previous value
	NewValue   interface{} // new value
	Reloadable bool        // whether this change can be applied without restart
}

// Diff compares two Config values and returns a list of changes, each
// annotated with whether it can take effect without a restart. Listener and
// store placement are restart-only; everything the decision engine reads from
// its snapshot is reloadable.
func Diff(old, new *Config) []Change {
	var changes []Change

	// ── Non-reloadable: listener and stores ──
	diffField(&changes, "listen.host", old.Listen.Host, new.Listen.Host, false)
	diffField(&changes, "listen.port", old.Listen.Port, new.Listen.Port, false)
	diffField(&changes, "listen.max_connections", old.Listen.MaxConnections, new.Listen.MaxConnections, false)
	diffField(&changes, "listen.tls.cert_file", old.Listen.TLS.CertFile, new.Listen.TLS.CertFile, false)
	diffField(&changes, "listen.tls.key_file", old.Listen.TLS.KeyFile, new.Listen.TLS.KeyFile, false)
	diffField(&changes, "admin.enabled", old.Admin.Enabled, new.Admin.Enabled, false)
	diffField(&changes, "admin.host", old.Admin.Host, new.Admin.Host, false)
	diffField(&changes, "admin.port", old.Admin.Port, new.Admin.Port, false)
	diffField(&changes, "audit.database", old.Audit.Database, new.Audit.Database, false)

	// ── Reloadable: mode and enforcement surface ──
	diffField(&changes, "mode", old.Mode, new.Mode, true)
	diffField(&changes, "enforcement.enabled", old.Enforcement.Enabled, new.Enforcement.Enabled, true)
	diffField(&changes, "enforcement.consent_accepted", old.Enforcement.ConsentAccepted, new.Enforcement.ConsentAccepted, true)
	diffField(&changes, "enforcement.emergency_override.enabled",
		old.Enforcement.EmergencyOverride.Enabled, new.Enforcement.EmergencyOverride.Enabled, true)
	diffValue(&changes, "enforcement.allowlist", old.Enforcement.Allowlist, new.Enforcement.Allowlist, true)
	diffValue(&changes, "policies.files", old.Policies.Files, new.Policies.Files, true)
	diffValue(&changes, "endpoints", old.Endpoints, new.Endpoints, true)

	// ── Reloadable: alerts, logging, retention ──
	diffField(&changes, "alerts.enabled", old.Alerts.Enabled, new.Alerts.Enabled, true)
	diffValue(&changes, "alerts.urls", old.Alerts.URLs, new.Alerts.URLs, true)
	diffField(&changes, "alerts.min_action", old.Alerts.MinAction, new.Alerts.MinAction, true)
	diffField(&changes, "logging.level", old.Logging.Level, new.Logging.Level, true)
	diffField(&changes, "audit.retention_days", old.Audit.RetentionDays, new.Audit.RetentionDays, true)

	// ── Non-reloadable: shutdown ──
	diffField(&changes, "shutdown.timeout", old.Shutdown.Timeout.Duration, new.Shutdown.Timeout.Duration, false)

	return changes
}

// diffField records a change when two comparable scalar values differ.
func diffField(changes *[]Change, field string, oldVal, newVal interface{}, reloadable bool) {
	if oldVal != newVal {
		*changes = append(*changes, Change{Field: field, OldValue: oldVal, NewValue: newVal, Reloadable: reloadable})
	}
}

// diffValue records a change for composite values via reflect.DeepEqual.
// Old/new are summarized to keep reload logs readable.
func diffValue(changes *[]Change, field string, oldVal, newVal interface{}, reloadable bool) {
	if !reflect.DeepEqual(oldVal, newVal) {
		*changes = append(*changes, Change{
			Field:      field,
			OldValue:   summarize(oldVal),
			NewValue:   summarize(newVal),
			Reloadable: reloadable,
		})
	}
}

func summarize(v interface{}) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return fmt.Sprintf("%d entries", rv.Len())
	default:
		return fmt.Sprintf("%v", v)
	}
}
