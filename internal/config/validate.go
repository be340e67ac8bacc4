package config

import (
	"fmt"
	"net"
	"strings"
)

var validModes = map[string]bool{ModeObserve: true, ModeAdvisory: true, ModeEnforce: true}

var validActions = map[string]bool{ActionAllow: true, ActionAlert: true, ActionBlock: true}

var validDays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// Validate checks the configuration for errors. It collects ALL errors rather
// than stopping at the first one, returning them as a joined message.
func Validate(cfg *Config) error {
	var errs []string

	// ── Mode ──
	if !validModes[cfg.Mode] {
		errs = append(errs, fmt.Sprintf("mode must be one of: observe, advisory, enforce (got %q)", cfg.Mode))
	}

	// ── Consent ──
	for _, ce := range ConsentErrors(cfg) {
		errs = append(errs, ce.Error())
	}

	// ── Listen ──
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535 (got %d)", cfg.Listen.Port))
	}
	if cfg.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_connections must be positive (got %d)", cfg.Listen.MaxConnections))
	}
	if (cfg.Listen.TLS.CertFile == "") != (cfg.Listen.TLS.KeyFile == "") {
		errs = append(errs, "listen.tls requires both cert_file and key_file")
	}

	// ── Endpoints ──
	for i, ep := range cfg.Endpoints {
		if ep.Domain == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: domain is required", i))
		}
	}

	// ── Policy file overrides ──
	for name, pf := range cfg.Policies.Files {
		if !validActions[pf.Action] {
			errs = append(errs, fmt.Sprintf("policies.files[%s]: action must be one of: allow, alert, block (got %q)", name, pf.Action))
		}
	}

	// ── Allowlist devices ──
	for i, d := range cfg.Enforcement.Allowlist.Devices {
		if d.IP == "" {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.devices[%d]: ip is required", i))
		} else if net.ParseIP(d.IP) == nil {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.devices[%d]: invalid ip %q", i, d.IP))
		}
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.devices[%d]: name is required", i))
		}
	}

	// ── Allowlist groups ──
	for i, g := range cfg.Enforcement.Allowlist.Groups {
		if g.Name == "" {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.groups[%d]: name is required", i))
		}
		for j, ip := range g.DeviceIPs {
			if net.ParseIP(ip) == nil {
				errs = append(errs, fmt.Sprintf("enforcement.allowlist.groups[%d].device_ips[%d]: invalid ip %q", i, j, ip))
			}
		}
	}

	// ── Time exceptions ──
	for i, te := range cfg.Enforcement.Allowlist.TimeExceptions {
		if te.Name == "" {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.time_exceptions[%d]: name is required", i))
		}
		if len(te.Days) == 0 {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.time_exceptions[%d]: days must not be empty", i))
		}
		for _, day := range te.Days {
			if !validDays[strings.ToLower(day)] {
				errs = append(errs, fmt.Sprintf("enforcement.allowlist.time_exceptions[%d]: invalid day %q", i, day))
			}
		}
		if err := validateClockTime(te.StartTime); err != nil {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.time_exceptions[%d].start_time: %v", i, err))
		}
		if err := validateClockTime(te.EndTime); err != nil {
			errs = append(errs, fmt.Sprintf("enforcement.allowlist.time_exceptions[%d].end_time: %v", i, err))
		}
	}

	// ── Emergency override ──
	eo := cfg.Enforcement.EmergencyOverride
	if BoolOr(eo.RequirePassword, true) && eo.Enabled && eo.PasswordHash == "" {
		errs = append(errs, "enforcement.emergency_override: enabled with require_password but no password_hash configured")
	}
	if eo.PasswordHash != "" && !isKnownHashFormat(eo.PasswordHash) {
		errs = append(errs, "enforcement.emergency_override.password_hash: must be a bcrypt hash or sha256:<hex>")
	}
	if cfg.Enforcement.Override.PasswordHash != "" && !isKnownHashFormat(cfg.Enforcement.Override.PasswordHash) {
		errs = append(errs, "enforcement.override.password_hash: must be a bcrypt hash or sha256:<hex>")
	}

	// ── Alerts ──
	if cfg.Alerts.MinAction != ActionAlert && cfg.Alerts.MinAction != ActionBlock {
		errs = append(errs, fmt.Sprintf("alerts.min_action must be alert or block (got %q)", cfg.Alerts.MinAction))
	}

	// ── Admin ──
	if cfg.Admin.Enabled {
		if cfg.Admin.Port < 1 || cfg.Admin.Port > 65535 {
			errs = append(errs, fmt.Sprintf("admin.port must be 1-65535 (got %d)", cfg.Admin.Port))
		}
		if cfg.Admin.Port == cfg.Listen.Port {
			errs = append(errs, fmt.Sprintf("admin.port must differ from listen.port (both %d)", cfg.Admin.Port))
		}
		if cfg.Admin.Auth.TokenSecret == "" {
			errs = append(errs, "admin.auth.token_secret is required when admin is enabled")
		}
	}

	// ── Audit ──
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be positive (got %d)", cfg.Audit.RetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateClockTime checks HH:MM 24-hour format.
func validateClockTime(s string) error {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("out of range: %q", s)
	}
	return nil
}

// isKnownHashFormat accepts bcrypt ($2a$/$2b$/$2y$) and legacy sha256:<hex>.
func isKnownHashFormat(hash string) bool {
	return strings.HasPrefix(hash, "$2") || strings.HasPrefix(hash, "sha256:")
}
