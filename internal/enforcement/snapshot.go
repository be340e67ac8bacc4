package enforcement

import (
	"strings"

	"github.com/yori-gw/yori/internal/config"
)

// Snapshot is an immutable view of all enforcement-relevant configuration.
// Every decision is a pure function of one snapshot; writers produce a new
// snapshot rather than mutating a shared one, so in-flight decisions never
// observe a half-applied change.
type Snapshot struct {
	Mode               string
	EnforcementEnabled bool
	ConsentAccepted    bool
	Policies           map[string]PolicyOverride
	Devices            []Device // group members flattened in
	Exceptions         []TimeException
	Emergency          EmergencyState
	OverridePassword   string // block-page override hash, falls back to emergency hash
}

// Active reports whether enforcement is structurally enabled: operating mode
// "enforce", enforcement.enabled, and consent_accepted must all hold.
func (s *Snapshot) Active() bool {
	return s.Mode == config.ModeEnforce && s.EnforcementEnabled && s.ConsentAccepted
}

// NewSnapshot resolves a configuration into a Snapshot: optional booleans are
// defaulted, MAC/IP forms normalized, and group membership flattened into the
// device set.
func NewSnapshot(cfg *config.Config) *Snapshot {
	s := &Snapshot{
		Mode:               cfg.Mode,
		EnforcementEnabled: cfg.Enforcement.Enabled,
		ConsentAccepted:    cfg.Enforcement.ConsentAccepted,
		Policies:           make(map[string]PolicyOverride, len(cfg.Policies.Files)),
	}

	for name, pf := range cfg.Policies.Files {
		s.Policies[TrimPolicyName(name)] = PolicyOverride{
			Enabled:       pf.Enabled,
			Action:        Action(pf.Action),
			AllowOverride: config.BoolOr(pf.AllowOverride, true),
			Message:       pf.Message,
		}
	}

	al := cfg.Enforcement.Allowlist
	s.Devices = make([]Device, 0, len(al.Devices))
	for _, d := range al.Devices {
		s.Devices = append(s.Devices, Device{
			IP:        NormalizeIP(d.IP),
			Name:      d.Name,
			MAC:       NormalizeMAC(d.MAC),
			Enabled:   config.BoolOr(d.Enabled, true),
			Permanent: d.Permanent,
			ExpiresAt: d.ExpiresAt,
		})
	}
	// Groups are purely organizational: expand members into the same
	// matching set rather than a second lookup path.
	for _, g := range al.Groups {
		enabled := config.BoolOr(g.Enabled, true)
		for _, ip := range g.DeviceIPs {
			s.Devices = append(s.Devices, Device{
				IP:      NormalizeIP(ip),
				Name:    "group:" + g.Name,
				Enabled: enabled,
			})
		}
	}

	s.Exceptions = make([]TimeException, 0, len(al.TimeExceptions))
	for _, te := range al.TimeExceptions {
		ips := make([]string, len(te.DeviceIPs))
		for i, ip := range te.DeviceIPs {
			ips[i] = NormalizeIP(ip)
		}
		days := make([]string, len(te.Days))
		for i, day := range te.Days {
			days[i] = strings.ToLower(day)
		}
		s.Exceptions = append(s.Exceptions, TimeException{
			Name:      te.Name,
			Days:      days,
			StartTime: te.StartTime,
			EndTime:   te.EndTime,
			DeviceIPs: ips,
			Enabled:   config.BoolOr(te.Enabled, true),
		})
	}

	eo := cfg.Enforcement.EmergencyOverride
	s.Emergency = EmergencyState{
		Enabled:         eo.Enabled,
		PasswordHash:    eo.PasswordHash,
		RequirePassword: config.BoolOr(eo.RequirePassword, true),
		ActivatedAt:     eo.ActivatedAt,
		ActivatedBy:     eo.ActivatedBy,
	}

	s.OverridePassword = cfg.Enforcement.Override.PasswordHash
	if s.OverridePassword == "" {
		s.OverridePassword = eo.PasswordHash
	}

	return s
}

// Clone returns a deep copy suitable for copy-on-write updates.
func (s *Snapshot) Clone() *Snapshot {
	next := *s
	next.Policies = make(map[string]PolicyOverride, len(s.Policies))
	for k, v := range s.Policies {
		next.Policies[k] = v
	}
	next.Devices = append([]Device(nil), s.Devices...)
	next.Exceptions = append([]TimeException(nil), s.Exceptions...)
	return &next
}

// TrimPolicyName strips a trailing rule-file extension so verdicts carrying
// "bedtime.rego" or "bedtime.yaml" match the "bedtime" config key.
func TrimPolicyName(name string) string {
	name = strings.TrimSuffix(name, ".rego")
	name = strings.TrimSuffix(name, ".yaml")
	return strings.TrimSuffix(name, ".yml")
}
