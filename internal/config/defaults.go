package config

import "time"

// ApplyDefaults fills zero-valued fields with sane defaults. It is called
// after YAML parsing and before validation. A configuration with no
// enforcement section comes out fully observational.
func ApplyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeObserve
	}

	// ── Listen ──
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8443
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 512
	}
	if cfg.Listen.TrustedProxies == nil {
		cfg.Listen.TrustedProxies = []string{}
	}
	if cfg.Listen.UpstreamTimeout.Duration == 0 {
		cfg.Listen.UpstreamTimeout.Duration = 30 * time.Second
	}

	// ── Endpoints ──
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []EndpointConfig{
			{Domain: "api.openai.com"},
			{Domain: "api.anthropic.com"},
			{Domain: "generativelanguage.googleapis.com"},
			{Domain: "api.mistral.ai"},
		}
	}

	// ── Policies ──
	if cfg.Policies.Directory == "" {
		cfg.Policies.Directory = "/usr/local/etc/yori/policies"
	}
	if cfg.Policies.Files == nil {
		cfg.Policies.Files = map[string]PolicyFileConfig{}
	}

	// ── Enforcement override path ──
	if cfg.Enforcement.Override.MaxAttempts == 0 {
		cfg.Enforcement.Override.MaxAttempts = 3
	}
	if cfg.Enforcement.Override.Window.Duration == 0 {
		cfg.Enforcement.Override.Window.Duration = time.Minute
	}
	if cfg.Enforcement.Override.Lockout.Duration == 0 {
		cfg.Enforcement.Override.Lockout.Duration = 5 * time.Minute
	}
	if cfg.Enforcement.Override.TempAllowDuration.Duration == 0 {
		cfg.Enforcement.Override.TempAllowDuration.Duration = 15 * time.Minute
	}

	// ── Audit ──
	if cfg.Audit.Database == "" {
		cfg.Audit.Database = "/var/db/yori/audit.db"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 365
	}
	if cfg.Audit.FallbackLog == "" {
		cfg.Audit.FallbackLog = "/var/log/yori/audit-fallback.log"
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 1024
	}

	// ── Alerts ──
	if cfg.Alerts.MinAction == "" {
		cfg.Alerts.MinAction = ActionAlert
	}

	// ── Admin ──
	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "127.0.0.1"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8081
	}

	// ── Logging ──
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// ── Reload ──
	if cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Debounce.Duration = 2 * time.Second
	}

	// ── Shutdown ──
	if cfg.Shutdown.Timeout.Duration == 0 {
		cfg.Shutdown.Timeout.Duration = 30 * time.Second
	}
}
