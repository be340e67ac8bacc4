package enforcement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/yori-gw/yori/internal/audit"
)

type captureSink struct {
	events []audit.Event
}

func (c *captureSink) Record(evt audit.Event) {
	c.events = append(c.events, evt)
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if !VerifyPassword("hunter2", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("anything", "") {
		t.Error("empty hash must never verify")
	}
}

func TestVerifyPassword_LegacySHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("hunter2"))
	legacy := "sha256:" + hex.EncodeToString(sum[:])

	if !VerifyPassword("hunter2", legacy) {
		t.Error("legacy sha256 hash rejected")
	}
	if VerifyPassword("wrong", legacy) {
		t.Error("wrong password accepted against legacy hash")
	}
}

func TestEmergencyController_ActivateDeactivate(t *testing.T) {
	hash, _ := HashPassword("hunter2")
	snap := activeSnapshot()
	snap.Emergency = EmergencyState{PasswordHash: hash, RequirePassword: true}

	engine := NewEngine(snap, nopLogger())
	sink := &captureSink{}
	ctrl := NewEmergencyController(engine, sink, nil, nopLogger())

	if err := ctrl.Activate("wrong", "parent", "192.168.1.2"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("wrong password: err = %v, want ErrPasswordMismatch", err)
	}
	if engine.Snapshot().Emergency.Enabled {
		t.Fatal("denied activation must not toggle state")
	}

	if err := ctrl.Activate("hunter2", "parent", "192.168.1.2"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	st := ctrl.Status()
	if !st.Enabled || st.ActivatedBy != "parent" || st.ActivatedAt == nil {
		t.Errorf("status = %+v", st)
	}

	// While active, a blocking verdict resolves to allow.
	d := engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"))
	if d.ShouldBlock {
		t.Error("active emergency override must force allow")
	}

	// Deactivation needs no password.
	ctrl.Deactivate("parent", "192.168.1.2")
	if ctrl.Status().Enabled {
		t.Error("expected deactivated")
	}
	d = engine.Decide(Request{ClientIP: "192.168.1.50"}, blockVerdict("bedtime"))
	if !d.ShouldBlock {
		t.Error("enforcement should resume after deactivation")
	}

	// Denied attempt, activation, deactivation all audited.
	if len(sink.events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(sink.events))
	}
	for _, evt := range sink.events {
		if evt.EventType != audit.EventEmergencyToggle {
			t.Errorf("event type = %q", evt.EventType)
		}
	}
}

func TestEmergencyController_NoPasswordConfigured(t *testing.T) {
	snap := activeSnapshot()
	snap.Emergency = EmergencyState{RequirePassword: true} // but no hash set

	engine := NewEngine(snap, nopLogger())
	ctrl := NewEmergencyController(engine, nil, nil, nopLogger())

	if err := ctrl.Activate("", "parent", ""); err != nil {
		t.Fatalf("activation without a configured password should succeed: %v", err)
	}
	if !ctrl.Status().Enabled {
		t.Error("expected enabled")
	}
}

func TestEmergencyController_SetPassword(t *testing.T) {
	hash, _ := HashPassword("old")
	snap := activeSnapshot()
	snap.Emergency = EmergencyState{PasswordHash: hash, RequirePassword: true}

	engine := NewEngine(snap, nopLogger())
	ctrl := NewEmergencyController(engine, nil, nil, nopLogger())

	if err := ctrl.SetPassword("wrong", "new"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("err = %v, want ErrPasswordMismatch", err)
	}
	if err := ctrl.SetPassword("old", "new"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	if err := ctrl.Activate("old", "parent", ""); !errors.Is(err, ErrPasswordMismatch) {
		t.Error("old password should no longer verify")
	}
	if err := ctrl.Activate("new", "parent", ""); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}
