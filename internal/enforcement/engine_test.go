package enforcement

import (
	"log/slog"
	"testing"
	"time"
)

// nopLogger returns a logger that discards output.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// activeSnapshot returns a snapshot with enforcement structurally enabled and
// one blocking policy configured.
func activeSnapshot() *Snapshot {
	return &Snapshot{
		Mode:               "enforce",
		EnforcementEnabled: true,
		ConsentAccepted:    true,
		Policies: map[string]PolicyOverride{
			"bedtime":         {Enabled: true, Action: ActionBlock, AllowOverride: true},
			"homework":        {Enabled: true, Action: ActionAlert},
			"disabled-policy": {Enabled: false, Action: ActionBlock},
		},
	}
}

func blockVerdict(policy string) Verdict {
	return Verdict{PolicyName: policy, Action: ActionBlock, Reason: "outside allowed hours"}
}

func TestDecide_BlockPath(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	d := engine.Decide(Request{ID: "r1", ClientIP: "192.168.1.50", Host: "api.openai.com"}, blockVerdict("bedtime"))

	if !d.ShouldBlock {
		t.Fatal("expected block")
	}
	if d.ActionTaken != ActionBlock {
		t.Errorf("action = %q, want block", d.ActionTaken)
	}
	if d.Rule != "policy_config" {
		t.Errorf("rule = %q, want policy_config", d.Rule)
	}
	if !d.AllowOverride {
		t.Error("expected AllowOverride from policy config")
	}
	if d.Reason != "outside allowed hours" {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.RequestID != "r1" {
		t.Errorf("request id = %q, want r1", d.RequestID)
	}
}

func TestDecide_ConsentGating(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Snapshot)
		blocked bool
	}{
		{"all three flags set", func(s *Snapshot) {}, true},
		{"mode not enforce", func(s *Snapshot) { s.Mode = "observe" }, false},
		{"enforcement disabled", func(s *Snapshot) { s.EnforcementEnabled = false }, false},
		{"consent not accepted", func(s *Snapshot) { s.ConsentAccepted = false }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := activeSnapshot()
			tt.mutate(snap)
			engine := NewEngine(snap, nopLogger())

			d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"))
			if d.ShouldBlock != tt.blocked {
				t.Errorf("ShouldBlock = %v, want %v", d.ShouldBlock, tt.blocked)
			}
			if !tt.blocked && d.ActionTaken != ActionAllow {
				t.Errorf("action = %q, want allow", d.ActionTaken)
			}
			if !tt.blocked && d.Rule != "enforcement_disabled" {
				t.Errorf("rule = %q, want enforcement_disabled", d.Rule)
			}
		})
	}
}

func TestDecide_EmergencyOverrideWinsOverEverything(t *testing.T) {
	snap := activeSnapshot()
	snap.Emergency = EmergencyState{Enabled: true}
	engine := NewEngine(snap, nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"))

	if d.ShouldBlock {
		t.Fatal("emergency override must force allow")
	}
	if d.Rule != "emergency_override" {
		t.Errorf("rule = %q, want emergency_override", d.Rule)
	}
	if d.Reason != "emergency override active" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecide_AllowlistedDeviceNeverBlocked(t *testing.T) {
	snap := activeSnapshot()
	snap.Devices = []Device{
		{IP: "192.168.1.50", Name: "parent-laptop", Enabled: true},
	}
	engine := NewEngine(snap, nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"))

	if d.ShouldBlock {
		t.Fatal("allowlisted device must not be blocked")
	}
	if d.Rule != "allowlist" {
		t.Errorf("rule = %q, want allowlist", d.Rule)
	}
	if d.DeviceName != "parent-laptop" {
		t.Errorf("device = %q", d.DeviceName)
	}

	// A different device still blocks.
	d = engine.Decide(Request{ClientIP: "192.168.1.99"}, blockVerdict("bedtime"))
	if !d.ShouldBlock {
		t.Error("non-allowlisted device should block")
	}
}

func TestDecide_AllowlistMACPreferredOverIP(t *testing.T) {
	snap := activeSnapshot()
	snap.Devices = []Device{
		{IP: "192.168.1.10", Name: "by-ip", Enabled: true},
		{IP: "192.168.1.99", MAC: "aa:bb:cc:dd:ee:ff", Name: "by-mac", Enabled: true},
	}
	engine := NewEngine(snap, nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.10", ClientMAC: "AA-BB-CC-DD-EE-FF"}, blockVerdict("bedtime"))

	if d.ShouldBlock {
		t.Fatal("expected allowlist exemption")
	}
	if d.DeviceName != "by-mac" {
		t.Errorf("device = %q, want MAC match preferred", d.DeviceName)
	}
}

func TestDecide_TimeException(t *testing.T) {
	snap := activeSnapshot()
	snap.Exceptions = []TimeException{
		{
			Name:      "homework-hour",
			Days:      []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
			StartTime: "16:00",
			EndTime:   "18:00",
			DeviceIPs: []string{"192.168.1.50"},
			Enabled:   true,
		},
	}
	engine := NewEngine(snap, nopLogger())

	// Wednesday 17:00.
	inside := time.Date(2026, 8, 26, 17, 0, 0, 0, time.UTC)
	d := engine.decideAt(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"), inside)
	if d.ShouldBlock {
		t.Fatal("request inside exception window must not block")
	}
	if d.Rule != "time_exception" {
		t.Errorf("rule = %q, want time_exception", d.Rule)
	}
	if d.Reason != "time exception: homework-hour" {
		t.Errorf("reason = %q", d.Reason)
	}

	// Wednesday 19:00, outside the window.
	outside := time.Date(2026, 8, 26, 19, 0, 0, 0, time.UTC)
	d = engine.decideAt(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"), outside)
	if !d.ShouldBlock {
		t.Error("request outside exception window should block")
	}
}

func TestDecide_PolicyNotConfiguredAllows(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("unknown-policy"))

	if d.ShouldBlock {
		t.Fatal("unconfigured policy must not block")
	}
	if d.Reason != "policy not configured for enforcement" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecide_DisabledPolicyAllows(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("disabled-policy"))

	if d.ShouldBlock {
		t.Fatal("disabled policy must not block")
	}
	if d.Reason != "policy disabled" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDecide_ConfiguredActionAuthoritative(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	// Verdict says block, config says alert: alert wins.
	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("homework"))

	if d.ShouldBlock {
		t.Fatal("alert-configured policy must not block")
	}
	if d.ActionTaken != ActionAlert {
		t.Errorf("action = %q, want alert", d.ActionTaken)
	}
}

func TestDecide_PolicyNameExtensionTrimmed(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime.rego"))

	if !d.ShouldBlock {
		t.Error("verdict carrying a file extension should match the bare config key")
	}
}

func TestUpdate_CopyOnWriteRoundTrip(t *testing.T) {
	engine := NewEngine(activeSnapshot(), nopLogger())

	before := engine.Snapshot()

	engine.Update(func(s *Snapshot) {
		s.Devices = append(s.Devices, Device{IP: "192.168.1.77", Name: "tablet", Enabled: true})
	})

	if len(before.Devices) != 0 {
		t.Error("update mutated the prior snapshot")
	}

	d := engine.Decide(Request{ClientIP: "192.168.1.77"}, blockVerdict("bedtime"))
	if d.ShouldBlock {
		t.Fatal("added device should be exempt")
	}

	engine.Update(func(s *Snapshot) {
		s.Devices = nil
	})
	d = engine.Decide(Request{ClientIP: "192.168.1.77"}, blockVerdict("bedtime"))
	if !d.ShouldBlock {
		t.Error("removed device should block again")
	}
}
