package enforcement

import (
	"github.com/yori-gw/yori/internal/audit"
)

// Sink receives audit events without blocking. *audit.Writer satisfies it.
type Sink interface {
	Record(evt audit.Event)
}

// Recorder wraps the pure Engine with audit and metric emission. Decide
// stays side-effect free; callers emit their own request event first and
// then call Observe, keeping the trail ordered request before decision.
type Recorder struct {
	engine  *Engine
	sink    Sink
	metrics *audit.Metrics
}

// NewRecorder wires a Recorder. sink and metrics may be nil.
func NewRecorder(engine *Engine, sink Sink, metrics *audit.Metrics) *Recorder {
	return &Recorder{engine: engine, sink: sink, metrics: metrics}
}

// Engine exposes the wrapped engine for state management paths.
func (r *Recorder) Engine() *Engine {
	return r.engine
}

// Decide resolves the decision for one request without emitting anything.
func (r *Recorder) Decide(req Request, v Verdict) Decision {
	return r.engine.Decide(req, v)
}

// Observe emits the audit events and metrics for a resolved decision.
func (r *Recorder) Observe(req Request, d Decision) {
	if r.metrics != nil {
		r.metrics.RecordDecision(d.Rule, string(d.ActionTaken))
		if d.ShouldBlock {
			r.metrics.RecordBlock(TrimPolicyName(d.PolicyName))
		}
	}

	if r.sink == nil {
		return
	}

	switch {
	case d.ShouldBlock:
		r.sink.Record(audit.Event{
			EventType:  audit.EventBlock,
			ClientIP:   req.ClientIP,
			Endpoint:   req.Host,
			Method:     req.Method,
			Path:       req.Path,
			PolicyName: d.PolicyName,
			Action:     string(d.ActionTaken),
			Reason:     d.Reason,
			RequestID:  req.ID,
		})
	case d.DeviceName != "":
		// Allowlist exemptions are visible in the trail so a quietly
		// over-broad allowlist can be noticed.
		r.sink.Record(audit.Event{
			EventType:    audit.EventAllowlistBypass,
			ClientIP:     req.ClientIP,
			ClientDevice: d.DeviceName,
			Endpoint:     req.Host,
			Method:       req.Method,
			Path:         req.Path,
			PolicyName:   d.PolicyName,
			Action:       string(d.ActionTaken),
			Reason:       d.Reason,
			RequestID:    req.ID,
		})
	}
}
