package enforcement

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// rule is one step of the priority chain. It returns a terminal decision and
// true, or a zero decision and false when it does not apply. The chain is an
// explicit ordered list so the priority order is auditable and each rule is
// independently testable.
type rule struct {
	name string
	eval func(s *Snapshot, req Request, v Verdict, now time.Time) (Decision, bool)
}

// Engine resolves final enforcement decisions. Reads are lock-free against an
// atomic snapshot pointer; the only writers (config reload, allowlist
// management, emergency toggles) are serialized by a single mutex and swap a
// fresh snapshot, so a configuration update never stalls in-flight decisions.
type Engine struct {
	snap   atomic.Pointer[Snapshot]
	mu     sync.Mutex // serializes snapshot writers
	rules  []rule
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine over the given snapshot. A nil logger is
// replaced with slog.Default().
func NewEngine(snap *Snapshot, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger,
		now:    time.Now,
	}
	e.rules = []rule{
		{name: "enforcement_disabled", eval: ruleEnforcementDisabled},
		{name: "emergency_override", eval: ruleEmergencyOverride},
		{name: "allowlist", eval: ruleAllowlist},
		{name: "time_exception", eval: ruleTimeException},
		{name: "policy_config", eval: rulePolicyConfig},
	}
	e.snap.Store(snap)
	return e
}

// Snapshot returns the current enforcement snapshot. Safe for concurrent use.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// SetSnapshot replaces the snapshot wholesale (configuration reload).
func (e *Engine) SetSnapshot(snap *Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Store(snap)
}

// Update applies a mutation copy-on-write: the current snapshot is cloned,
// mutated, and swapped in. Concurrent readers keep the old snapshot until the
// swap; writers are serialized against each other.
func (e *Engine) Update(mutate func(*Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.snap.Load().Clone()
	mutate(next)
	e.snap.Store(next)
}

// Decide resolves the final decision for one request. It is deterministic,
// total, and pure over the snapshot in effect at the moment of evaluation:
// every well-formed input produces exactly one decision and no state carries
// between requests. Audit emission lives in Recorder, not here.
func (e *Engine) Decide(req Request, v Verdict) Decision {
	return e.decideAt(req, v, e.now())
}

func (e *Engine) decideAt(req Request, v Verdict, now time.Time) Decision {
	s := e.snap.Load()
	for _, r := range e.rules {
		if d, ok := r.eval(s, req, v, now); ok {
			d.Rule = r.name
			d.Timestamp = now
			d.RequestID = req.ID
			e.logger.Debug("enforcement decision",
				"rule", r.name,
				"action", string(d.ActionTaken),
				"policy", d.PolicyName,
				"client_ip", req.ClientIP,
				"host", req.Host,
			)
			return d
		}
	}
	// Unreachable: policy_config is terminal. Fail safe regardless.
	return Decision{
		ActionTaken: ActionAllow,
		PolicyName:  v.PolicyName,
		Reason:      "no enforcement rule applied",
		Timestamp:   now,
		RequestID:   req.ID,
	}
}

// ruleEnforcementDisabled allows everything while enforcement is not
// structurally enabled (consent gating, §4.1).
func ruleEnforcementDisabled(s *Snapshot, _ Request, v Verdict, _ time.Time) (Decision, bool) {
	if s.Active() {
		return Decision{}, false
	}
	return Decision{
		ActionTaken: ActionAllow,
		PolicyName:  v.PolicyName,
		Reason:      "enforcement disabled",
	}, true
}

// ruleEmergencyOverride short-circuits every decision to allow while the
// kill-switch is active. Top-priority among active-enforcement rules.
func ruleEmergencyOverride(s *Snapshot, _ Request, v Verdict, _ time.Time) (Decision, bool) {
	if !s.Emergency.Enabled {
		return Decision{}, false
	}
	return Decision{
		ActionTaken: ActionAllow,
		PolicyName:  v.PolicyName,
		Reason:      "emergency override active",
	}, true
}

// ruleAllowlist exempts allowlisted devices.
func ruleAllowlist(s *Snapshot, req Request, v Verdict, now time.Time) (Decision, bool) {
	ok, device := s.IsAllowlisted(req.ClientIP, req.ClientMAC, now)
	if !ok {
		return Decision{}, false
	}
	return Decision{
		ActionTaken: ActionAllow,
		PolicyName:  v.PolicyName,
		Reason:      fmt.Sprintf("device allowlisted: %s", device.Name),
		DeviceName:  device.Name,
	}, true
}

// ruleTimeException exempts devices inside an active exception window.
func ruleTimeException(s *Snapshot, req Request, v Verdict, now time.Time) (Decision, bool) {
	ok, exc := s.AnyExceptionActive(req.ClientIP, now)
	if !ok {
		return Decision{}, false
	}
	return Decision{
		ActionTaken:   ActionAllow,
		PolicyName:    v.PolicyName,
		Reason:        fmt.Sprintf("time exception: %s", exc.Name),
		ExceptionName: exc.Name,
	}, true
}

// rulePolicyConfig is the terminal rule: the configured per-policy action is
// authoritative, the raw verdict only supplies the triggering policy name and
// reason. Unconfigured or disabled policies never block (fail-safe default).
func rulePolicyConfig(s *Snapshot, _ Request, v Verdict, _ time.Time) (Decision, bool) {
	name := TrimPolicyName(v.PolicyName)

	po, configured := s.Policies[name]
	if !configured {
		return Decision{
			ActionTaken: ActionAllow,
			PolicyName:  v.PolicyName,
			Reason:      "policy not configured for enforcement",
		}, true
	}
	if !po.Enabled {
		return Decision{
			ActionTaken: ActionAllow,
			PolicyName:  v.PolicyName,
			Reason:      "policy disabled",
		}, true
	}

	action := po.Action
	switch action {
	case ActionAllow, ActionAlert, ActionBlock:
	default:
		// Validation rejects unknown actions at load; never block on one
		// that slipped through.
		return Decision{
			ActionTaken: ActionAllow,
			PolicyName:  v.PolicyName,
			Reason:      fmt.Sprintf("unknown configured action %q", string(action)),
		}, true
	}

	return Decision{
		ShouldBlock:   action == ActionBlock,
		ActionTaken:   action,
		PolicyName:    v.PolicyName,
		Reason:        v.Reason,
		AllowOverride: action == ActionBlock && po.AllowOverride,
	}, true
}
