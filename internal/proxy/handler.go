// Package proxy implements the policy-enforcing interception proxy: it
// resolves the client's identity, obtains a policy verdict, asks the
// enforcement engine for the final decision, and either forwards the request
// upstream or renders the block page.
package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yori-gw/yori/internal/alerts"
	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/ctxkeys"
	"github.com/yori-gw/yori/internal/endpoints"
	"github.com/yori-gw/yori/internal/enforcement"
	yorierrors "github.com/yori-gw/yori/internal/errors"
	"github.com/yori-gw/yori/internal/evaluator"
)

// maxBodyBytes caps how much of a request body is buffered. LLM API payloads
// are JSON of at most a few megabytes; buffering allows the retry and the
// audit preview.
const maxBodyBytes = 16 << 20

// previewBytes is the audit preview budget per request body.
const previewBytes = 200

// Handler is the interception entrypoint for all proxied traffic.
type Handler struct {
	registry  *endpoints.Registry
	resolver  MACResolver
	evaluator evaluator.Evaluator
	recorder  *enforcement.Recorder
	forwarder *Forwarder
	override  *OverrideHandler
	sink      enforcement.Sink
	metrics   *audit.Metrics
	notifier  *alerts.Notifier
	logger    *slog.Logger

	trustedProxies []string
}

// HandlerConfig collects the Handler's collaborators. Evaluator, Recorder,
// Forwarder, and Registry are required; the rest may be nil.
type HandlerConfig struct {
	Registry       *endpoints.Registry
	Resolver       MACResolver
	Evaluator      evaluator.Evaluator
	Recorder       *enforcement.Recorder
	Forwarder      *Forwarder
	Override       *OverrideHandler
	Sink           enforcement.Sink
	Metrics        *audit.Metrics
	Notifier       *alerts.Notifier
	Logger         *slog.Logger
	TrustedProxies []string
}

// NewHandler builds the interception handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:       cfg.Registry,
		resolver:       cfg.Resolver,
		evaluator:      cfg.Evaluator,
		recorder:       cfg.Recorder,
		forwarder:      cfg.Forwarder,
		override:       cfg.Override,
		sink:           cfg.Sink,
		metrics:        cfg.Metrics,
		notifier:       cfg.Notifier,
		logger:         logger,
		trustedProxies: cfg.TrustedProxies,
	}
}

// ServeHTTP processes one intercepted request end to end. Each request runs
// in its own handler goroutine; a panic or slow upstream on one request never
// affects another.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/yori/override" && h.override != nil {
		h.override.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	requestID := uuid.New().String()
	clientIP := TrustedClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), h.trustedProxies)

	var clientMAC string
	if h.resolver != nil {
		clientMAC = h.resolver.MACForIP(clientIP)
	}

	host := r.Host

	// Unknown hosts are rejected before any policy or enforcement work:
	// this gateway only ever speaks for the configured LLM endpoints.
	if !h.registry.IsConfigured(host) {
		h.logger.Debug("rejecting unconfigured host", "host", host, "client_ip", clientIP)
		yorierrors.WriteHTTPError(w, yorierrors.ErrUnknownEndpoint)
		return
	}

	provider := endpoints.DetectProvider(host, r.URL.Path)

	meta := ctxkeys.RequestMeta{
		RequestID: requestID,
		ClientIP:  clientIP,
		ClientMAC: clientMAC,
		Provider:  string(provider),
		StartTime: start,
	}
	r = r.WithContext(ctxkeys.WithRequestMeta(r.Context(), meta))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return
	}

	verdict, err := h.evaluator.Evaluate(r.Context(), evaluator.RequestInfo{
		ClientIP: clientIP,
		Host:     host,
		Path:     r.URL.Path,
		Method:   r.Method,
		Provider: string(provider),
		Time:     start,
	})
	if err != nil {
		// Only reachable with an unwrapped evaluator; degrade the same way
		// FailOpen would.
		h.logger.Error("evaluator error outside fail-open wrapper", "error", err)
		verdict = enforcement.Verdict{PolicyName: "error_fallback", Action: enforcement.ActionAllow, Reason: err.Error()}
	}

	enfReq := enforcement.Request{
		ID:        requestID,
		ClientIP:  clientIP,
		ClientMAC: clientMAC,
		Host:      host,
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	decision := h.recorder.Decide(enfReq, verdict)
	r = r.WithContext(ctxkeys.WithDecision(r.Context(), ctxkeys.DecisionMeta{
		Action:     string(decision.ActionTaken),
		PolicyName: decision.PolicyName,
		Rule:       decision.Rule,
	}))

	// The request event goes first so the trail reads request, decision,
	// response in order.
	h.recordRequest(r, meta, decision, body)
	h.recorder.Observe(enfReq, decision)

	if h.notifier != nil {
		h.notifier.Notify(decision, clientIP, host)
	}

	if decision.ShouldBlock {
		h.logger.Info("request blocked",
			"request_id", requestID,
			"client_ip", clientIP,
			"host", host,
			"policy", decision.PolicyName,
			"reason", decision.Reason,
		)
		WriteBlockPage(w, decision, h.customMessage(decision.PolicyName))
		return
	}

	status, err := h.forwarder.Forward(w, r, endpoints.TargetURL(host, r.URL.Path), bytes.NewReader(body))
	latency := time.Since(start)

	if h.metrics != nil {
		h.metrics.RecordRequest(string(provider), status)
		if err == nil {
			h.metrics.RecordUpstreamLatency(string(provider), latency.Seconds())
		}
	}
	h.recordResponse(meta, decision, status, latency, err)
}

// customMessage looks up the configured block-page message for a policy.
func (h *Handler) customMessage(policyName string) string {
	name := enforcement.TrimPolicyName(policyName)
	if po, ok := h.recorder.Engine().Snapshot().Policies[name]; ok {
		return po.Message
	}
	return ""
}

// recordRequest emits the request audit event. Alert-actioned requests carry
// the action so flagged traffic is searchable in the trail.
func (h *Handler) recordRequest(r *http.Request, meta ctxkeys.RequestMeta, d enforcement.Decision, body []byte) {
	if h.sink == nil {
		return
	}
	// Body previews are only kept for inference calls; other traffic on a
	// configured domain stays preview-free in the trail.
	preview := ""
	if endpoints.IsLLMPath(r.URL.Path) {
		preview = endpoints.Preview(body, previewBytes)
	}
	h.sink.Record(audit.Event{
		EventType:  audit.EventRequest,
		ClientIP:   meta.ClientIP,
		Endpoint:   r.Host,
		Method:     r.Method,
		Path:       r.URL.Path,
		Provider:   meta.Provider,
		PolicyName: d.PolicyName,
		Action:     string(d.ActionTaken),
		Reason:     d.Reason,
		RequestID:  meta.RequestID,
		Preview:    preview,
	})
}

// recordResponse emits the response audit event after forwarding.
func (h *Handler) recordResponse(meta ctxkeys.RequestMeta, d enforcement.Decision, status int, latency time.Duration, err error) {
	if h.sink == nil {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	h.sink.Record(audit.Event{
		EventType:  audit.EventResponse,
		ClientIP:   meta.ClientIP,
		Provider:   meta.Provider,
		PolicyName: d.PolicyName,
		Action:     string(d.ActionTaken),
		Reason:     reason,
		RequestID:  meta.RequestID,
		DurationMS: latency.Milliseconds(),
		Status:     status,
	})
}
