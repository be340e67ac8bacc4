package enforcement

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yori-gw/yori/internal/audit"
)

// ErrPasswordRequired is returned when a state change needs a password and
// none (or a wrong one) was given.
var ErrPasswordRequired = errors.New("password required")

// ErrPasswordMismatch is returned when the supplied password does not match
// the configured hash.
var ErrPasswordMismatch = errors.New("password does not match")

// HashPassword derives a bcrypt hash for storing in configuration.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// VerifyPassword checks a password against a stored hash. Bcrypt hashes are
// the norm; "sha256:<hex>" is accepted for configs migrated from older
// deployments, compared in constant time.
func VerifyPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	if legacy, ok := strings.CutPrefix(hash, "sha256:"); ok {
		sum := sha256.Sum256([]byte(password))
		want := strings.ToLower(strings.TrimSpace(legacy))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) == 1
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// EmergencyController manages the kill-switch: activation, deactivation, and
// status, with password gating and audit emission. All state changes flow
// through the engine's copy-on-write update so readers never see a partial
// toggle.
type EmergencyController struct {
	engine  *Engine
	sink    Sink
	metrics *audit.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEmergencyController wires the controller. sink and metrics may be nil.
func NewEmergencyController(engine *Engine, sink Sink, metrics *audit.Metrics, logger *slog.Logger) *EmergencyController {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmergencyController{
		engine:  engine,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// EmergencyStatus is the reportable kill-switch state. The password hash is
// never included.
type EmergencyStatus struct {
	Enabled     bool       `json:"enabled"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ActivatedBy string     `json:"activated_by,omitempty"`
}

// Status returns the current kill-switch state.
func (c *EmergencyController) Status() EmergencyStatus {
	em := c.engine.Snapshot().Emergency
	return EmergencyStatus{
		Enabled:     em.Enabled,
		ActivatedAt: em.ActivatedAt,
		ActivatedBy: em.ActivatedBy,
	}
}

// Activate turns the kill-switch on. Activation is deliberately cheap to
// reach: when no password is configured or require_password is off, it
// succeeds without credentials. Idempotent when already active.
func (c *EmergencyController) Activate(password, by, clientIP string) error {
	snap := c.engine.Snapshot()
	em := snap.Emergency

	if em.RequirePassword && em.PasswordHash != "" {
		if !VerifyPassword(password, em.PasswordHash) {
			c.record("activate_denied", by, clientIP, "password mismatch")
			return ErrPasswordMismatch
		}
	}

	if em.Enabled {
		return nil
	}

	now := c.now()
	c.engine.Update(func(s *Snapshot) {
		s.Emergency.Enabled = true
		s.Emergency.ActivatedAt = &now
		s.Emergency.ActivatedBy = by
	})
	if c.metrics != nil {
		c.metrics.SetEmergencyActive(true)
	}
	c.logger.Warn("emergency override activated", "by", by, "client_ip", clientIP)
	c.record("activated", by, clientIP, "")
	return nil
}

// Deactivate turns the kill-switch off, restoring normal enforcement.
// Deactivation never requires a password: returning to the safe state must
// not be gated. Idempotent when already inactive.
func (c *EmergencyController) Deactivate(by, clientIP string) {
	if !c.engine.Snapshot().Emergency.Enabled {
		return
	}
	c.engine.Update(func(s *Snapshot) {
		s.Emergency.Enabled = false
		s.Emergency.ActivatedAt = nil
		s.Emergency.ActivatedBy = ""
	})
	if c.metrics != nil {
		c.metrics.SetEmergencyActive(false)
	}
	c.logger.Info("emergency override deactivated", "by", by, "client_ip", clientIP)
	c.record("deactivated", by, clientIP, "")
}

// SetPassword replaces the kill-switch password hash. The current password is
// required when one is already set.
func (c *EmergencyController) SetPassword(current, next string) error {
	em := c.engine.Snapshot().Emergency
	if em.PasswordHash != "" && !VerifyPassword(current, em.PasswordHash) {
		return ErrPasswordMismatch
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	c.engine.Update(func(s *Snapshot) {
		s.Emergency.PasswordHash = hash
		if s.OverridePassword == "" {
			s.OverridePassword = hash
		}
	})
	c.logger.Info("emergency override password updated")
	return nil
}

func (c *EmergencyController) record(what, by, clientIP, reason string) {
	if c.sink == nil {
		return
	}
	c.sink.Record(audit.Event{
		EventType:    audit.EventEmergencyToggle,
		ClientIP:     clientIP,
		Action:       what,
		Reason:       reason,
		ClientDevice: by,
	})
}
