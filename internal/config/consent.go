package config

import "fmt"

// ConsentError describes one violated consent rule.
type ConsentError struct {
	Code    string
	Message string
}

func (e ConsentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Consent error codes.
const (
	ConsentNotAccepted               = "consent_not_accepted"
	EnforcementEnabledWithoutConsent = "enforcement_enabled_without_consent"
	ModeEnforceWithoutConsent        = "mode_enforce_without_consent"
)

// ConsentWarning is shown to operators before they accept consent. Blocking
// can break LLM-dependent software across the whole network.
const ConsentWarning = `WARNING: Enforcement mode will actively BLOCK LLM requests based on your policies.

This can break:
- AI-powered applications and services
- ChatGPT, Claude, and other LLM interfaces
- Development tools that use LLM APIs
- Any software relying on intercepted endpoints

Before enabling enforcement mode:
1. Test ALL policies in 'observe' mode first
2. Review audit logs to understand what will be blocked
3. Configure per-policy actions carefully (allow/alert/block)
4. Have a plan to quickly disable enforcement if needed

By setting 'enforcement.consent_accepted: true', you acknowledge these risks.
`

// ConsentErrors validates that enforcement is only requested with explicit
// operator consent. It is pure and runs at configuration load and on every
// reload; a non-empty result means the configuration must be refused.
func ConsentErrors(cfg *Config) []ConsentError {
	attempted := cfg.Mode == ModeEnforce || cfg.Enforcement.Enabled
	if !attempted {
		return nil
	}
	if cfg.Enforcement.ConsentAccepted {
		return nil
	}

	errs := []ConsentError{{
		Code:    ConsentNotAccepted,
		Message: "enforcement requested but enforcement.consent_accepted is false",
	}}
	if cfg.Enforcement.Enabled {
		errs = append(errs, ConsentError{
			Code:    EnforcementEnabledWithoutConsent,
			Message: "enforcement.enabled=true requires enforcement.consent_accepted=true",
		})
	}
	if cfg.Mode == ModeEnforce {
		errs = append(errs, ConsentError{
			Code:    ModeEnforceWithoutConsent,
			Message: "mode=enforce requires enforcement.consent_accepted=true",
		})
	}
	return errs
}

// ConsentWarnings returns non-fatal consent findings: flag combinations that
// are valid but will not activate enforcement.
func ConsentWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Mode == ModeEnforce && !cfg.Enforcement.Enabled {
		warnings = append(warnings, "mode is 'enforce' but enforcement.enabled=false - enforcement will not activate")
	}
	if cfg.Enforcement.Enabled && cfg.Mode != ModeEnforce {
		warnings = append(warnings, fmt.Sprintf("enforcement.enabled=true but mode=%q - enforcement will not activate", cfg.Mode))
	}
	return warnings
}
