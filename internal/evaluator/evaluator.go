// Package evaluator produces the raw policy verdict for an intercepted
// request. The bundled implementation evaluates YAML rule files; the
// interface leaves room for external engines. Verdicts are advisory: the
// enforcement engine decides what actually happens.
package evaluator

import (
	"context"
	"log/slog"
	"time"

	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/enforcement"
)

// RequestInfo captures the attributes of a request that rules can match
// against.
type RequestInfo struct {
	ClientIP string
	Host     string
	Path     string
	Method   string
	Provider string
	Time     time.Time
}

// Evaluator produces a verdict for one request.
type Evaluator interface {
	Evaluate(ctx context.Context, req RequestInfo) (enforcement.Verdict, error)
}

// FailOpen wraps an Evaluator so evaluation errors degrade to an allow
// verdict instead of failing the request. Losing one enforcement opportunity
// is preferred over cutting the household's connectivity; every failure is
// logged and counted.
type FailOpen struct {
	inner   Evaluator
	logger  *slog.Logger
	metrics *audit.Metrics
}

// NewFailOpen wraps inner. metrics may be nil.
func NewFailOpen(inner Evaluator, logger *slog.Logger, metrics *audit.Metrics) *FailOpen {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpen{inner: inner, logger: logger, metrics: metrics}
}

// Evaluate never returns an error.
func (f *FailOpen) Evaluate(ctx context.Context, req RequestInfo) (enforcement.Verdict, error) {
	v, err := f.inner.Evaluate(ctx, req)
	if err == nil {
		return v, nil
	}

	f.logger.Error("policy evaluation failed, allowing request",
		"error", err,
		"client_ip", req.ClientIP,
		"host", req.Host,
	)
	if f.metrics != nil {
		f.metrics.RecordEvaluatorFailure()
	}
	return enforcement.Verdict{
		PolicyName: "error_fallback",
		Action:     enforcement.ActionAllow,
		Reason:     "policy evaluation error: " + err.Error(),
	}, nil
}
