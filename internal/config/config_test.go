package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yori.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeFile(t, `
mode: enforce
listen:
  host: 192.168.1.1
  port: 8443
  upstream_timeout: 45s
endpoints:
  - domain: api.openai.com
  - domain: api.anthropic.com
    enabled: false
policies:
  files:
    bedtime:
      enabled: true
      action: block
      message: "Time for bed."
enforcement:
  enabled: true
  consent_accepted: true
  allowlist:
    devices:
      - ip: 192.168.1.50
        name: parent-laptop
        mac: AA:BB:CC:DD:EE:FF
        permanent: true
    time_exceptions:
      - name: homework
        days: [monday, tuesday]
        start_time: "16:00"
        end_time: "18:00"
        device_ips: [192.168.1.51]
  override:
    max_attempts: 5
    window: 2m
audit:
  retention_days: 90
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Mode != ModeEnforce {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.Listen.UpstreamTimeout.Duration != 45*time.Second {
		t.Errorf("upstream_timeout = %v", cfg.Listen.UpstreamTimeout.Duration)
	}
	if len(cfg.Endpoints) != 2 || BoolOr(cfg.Endpoints[1].Enabled, true) {
		t.Errorf("endpoints = %+v", cfg.Endpoints)
	}
	if cfg.Policies.Files["bedtime"].Action != ActionBlock {
		t.Errorf("policy action = %q", cfg.Policies.Files["bedtime"].Action)
	}
	if !cfg.Enforcement.Allowlist.Devices[0].Permanent {
		t.Error("device not permanent")
	}
	if cfg.Enforcement.Override.MaxAttempts != 5 || cfg.Enforcement.Override.Window.Duration != 2*time.Minute {
		t.Errorf("override = %+v", cfg.Enforcement.Override)
	}
	if cfg.Audit.RetentionDays != 90 {
		t.Errorf("retention_days = %d", cfg.Audit.RetentionDays)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeFile(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Mode != ModeObserve {
		t.Errorf("default mode = %q, want observe", cfg.Mode)
	}
	if cfg.Listen.Port != 8443 {
		t.Errorf("default port = %d", cfg.Listen.Port)
	}
	if len(cfg.Endpoints) != 4 {
		t.Errorf("default endpoints = %d, want 4", len(cfg.Endpoints))
	}
	if cfg.Enforcement.Override.MaxAttempts != 3 {
		t.Errorf("default max_attempts = %d", cfg.Enforcement.Override.MaxAttempts)
	}
	if cfg.Audit.RetentionDays != 365 || cfg.Audit.QueueSize != 1024 {
		t.Errorf("audit defaults = %+v", cfg.Audit)
	}
	if cfg.Shutdown.Timeout.Duration != 30*time.Second {
		t.Errorf("shutdown timeout = %v", cfg.Shutdown.Timeout.Duration)
	}
	if cfg.Enforcement.Enabled || cfg.Enforcement.ConsentAccepted {
		t.Error("enforcement must default off")
	}
}

func TestLoad_ConsentGate(t *testing.T) {
	// Enforcement without consent is refused at load time.
	_, err := Load(writeFile(t, "mode: enforce\nenforcement:\n  enabled: true\n"))
	if err == nil {
		t.Fatal("expected consent error")
	}
	if !strings.Contains(err.Error(), "consent_accepted") {
		t.Errorf("error = %v", err)
	}

	// With consent accepted the same config loads.
	_, err = Load(writeFile(t, "mode: enforce\nenforcement:\n  enabled: true\n  consent_accepted: true\n"))
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoad_MultipleValidationErrors(t *testing.T) {
	_, err := Load(writeFile(t, `
mode: bogus
listen:
  port: 99999
alerts:
  min_action: allow
`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"mode must be", "listen.port", "alerts.min_action"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "mode: [unclosed\n")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_DeviceRules(t *testing.T) {
	tests := []struct {
		name   string
		device DeviceConfig
		want   string
	}{
		{"missing ip", DeviceConfig{Name: "x"}, "ip is required"},
		{"bad ip", DeviceConfig{IP: "not-an-ip", Name: "x"}, "invalid ip"},
		{"missing name", DeviceConfig{IP: "192.168.1.50"}, "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			cfg.Enforcement.Allowlist.Devices = []DeviceConfig{tt.device}
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidate_TimeExceptionRules(t *testing.T) {
	tests := []struct {
		name string
		te   TimeExceptionConfig
		want string
	}{
		{"no days", TimeExceptionConfig{Name: "x", StartTime: "16:00", EndTime: "18:00"}, "days must not be empty"},
		{"bad day", TimeExceptionConfig{Name: "x", Days: []string{"Funday"}, StartTime: "16:00", EndTime: "18:00"}, "invalid day"},
		{"bad clock", TimeExceptionConfig{Name: "x", Days: []string{"monday"}, StartTime: "25:00", EndTime: "18:00"}, "start_time"},
		{"not a clock", TimeExceptionConfig{Name: "x", Days: []string{"monday"}, StartTime: "16:00", EndTime: "soon"}, "end_time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			cfg.Enforcement.Allowlist.TimeExceptions = []TimeExceptionConfig{tt.te}
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidate_HashFormats(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Enforcement.EmergencyOverride.PasswordHash = "hunter2"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "password_hash") {
		t.Errorf("plaintext hash accepted: %v", err)
	}

	for _, hash := range []string{
		"$2a$10$N9qo8uLOickgx2ZMRZoMye",
		"sha256:2ab96390c7dbe3439de74d0c9b0b1767",
	} {
		cfg.Enforcement.EmergencyOverride.PasswordHash = hash
		if err := Validate(cfg); err != nil {
			t.Errorf("hash %q rejected: %v", hash, err)
		}
	}
}

func TestValidate_EmergencyNeedsPassword(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Enforcement.EmergencyOverride.Enabled = true
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "no password_hash") {
		t.Errorf("error = %v", err)
	}

	// require_password: false lifts the requirement.
	f := false
	cfg.Enforcement.EmergencyOverride.RequirePassword = &f
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_TLSPair(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Listen.TLS.CertFile = "/etc/cert.pem"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "both cert_file and key_file") {
		t.Errorf("error = %v", err)
	}
}

func TestValidate_AdminRules(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Admin.Enabled = true
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "token_secret") {
		t.Errorf("error = %v", err)
	}

	cfg.Admin.Auth.TokenSecret = "s3cret"
	cfg.Admin.Port = cfg.Listen.Port
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Errorf("error = %v", err)
	}
}

func TestConsentWarnings(t *testing.T) {
	cfg := &Config{Mode: ModeEnforce}
	ApplyDefaults(cfg)
	if ws := ConsentWarnings(cfg); len(ws) != 1 {
		t.Errorf("warnings = %v", ws)
	}

	cfg.Mode = ModeObserve
	cfg.Enforcement.Enabled = true
	if ws := ConsentWarnings(cfg); len(ws) != 1 {
		t.Errorf("warnings = %v", ws)
	}

	cfg.Enforcement.Enabled = false
	if ws := ConsentWarnings(cfg); len(ws) != 0 {
		t.Errorf("warnings = %v", ws)
	}
}

func TestDurationParsing(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		if err := yaml.Unmarshal([]byte("d: "+tt.in), &out); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if out.D.Duration != tt.want {
			t.Errorf("%s parsed as %v", tt.in, out.D.Duration)
		}
	}

	if err := yaml.Unmarshal([]byte("d: banana"), &out); err == nil {
		t.Error("invalid duration accepted")
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	d := Duration{90 * time.Second}
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("marshaled = %q", out)
	}
}

func TestBoolOr(t *testing.T) {
	tr, fa := true, false
	if !BoolOr(nil, true) || BoolOr(nil, false) {
		t.Error("nil must yield default")
	}
	if !BoolOr(&tr, false) || BoolOr(&fa, true) {
		t.Error("set pointer must win")
	}
}
