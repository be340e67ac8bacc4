package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/config"
	"github.com/yori-gw/yori/internal/ctxkeys"
	"github.com/yori-gw/yori/internal/endpoints"
	"github.com/yori-gw/yori/internal/enforcement"
	"github.com/yori-gw/yori/internal/evaluator"
)

// nopLogger returns a logger that discards output.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// roundTripFunc lets tests stand in for the upstream.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okUpstream(body string) roundTripFunc {
	return func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    r,
		}, nil
	}
}

// staticEvaluator always returns the same verdict.
type staticEvaluator struct {
	v enforcement.Verdict
}

func (s staticEvaluator) Evaluate(context.Context, evaluator.RequestInfo) (enforcement.Verdict, error) {
	return s.v, nil
}

type captureSink struct {
	events []audit.Event
}

func (c *captureSink) Record(evt audit.Event) { c.events = append(c.events, evt) }

func testRegistry() *endpoints.Registry {
	return endpoints.NewRegistry([]config.EndpointConfig{
		{Domain: "api.openai.com"},
		{Domain: "api.anthropic.com"},
	})
}

func activeSnapshot() *enforcement.Snapshot {
	return &enforcement.Snapshot{
		Mode:               "enforce",
		EnforcementEnabled: true,
		ConsentAccepted:    true,
		Policies: map[string]enforcement.PolicyOverride{
			"bedtime": {Enabled: true, Action: enforcement.ActionBlock, AllowOverride: true},
		},
	}
}

func newTestHandler(t *testing.T, snap *enforcement.Snapshot, verdict enforcement.Verdict, upstream roundTripFunc) (*Handler, *captureSink) {
	t.Helper()
	engine := enforcement.NewEngine(snap, nopLogger())
	sink := &captureSink{}
	h := NewHandler(HandlerConfig{
		Registry:  testRegistry(),
		Evaluator: staticEvaluator{v: verdict},
		Recorder:  enforcement.NewRecorder(engine, nil, nil),
		Forwarder: NewForwarder(upstream, 5*time.Second, nopLogger()),
		Sink:      sink,
		Logger:    nopLogger(),
	})
	return h, sink
}

func TestHandler_UnknownHostRejectedBeforeDecision(t *testing.T) {
	h, sink := newTestHandler(t, activeSnapshot(),
		enforcement.Verdict{PolicyName: "bedtime", Action: enforcement.ActionBlock, Reason: "late"},
		okUpstream("{}"))

	req := httptest.NewRequest("POST", "http://example.com/v1/chat/completions", nil)
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(sink.events) != 0 {
		t.Errorf("unknown host must not reach the audit trail, got %d events", len(sink.events))
	}
}

func TestHandler_BlockRendersBlockPage(t *testing.T) {
	h, sink := newTestHandler(t, activeSnapshot(),
		enforcement.Verdict{PolicyName: "bedtime", Action: enforcement.ActionBlock, Reason: "outside allowed hours"},
		okUpstream("{}"))

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "bedtime") || !strings.Contains(body, "outside allowed hours") {
		t.Errorf("block page missing details: %s", body)
	}
	if !strings.Contains(body, "/yori/override") {
		t.Error("override form missing despite allow_override")
	}

	if len(sink.events) != 1 || sink.events[0].EventType != audit.EventRequest {
		t.Fatalf("expected one request event, got %+v", sink.events)
	}
	if sink.events[0].Action != "block" {
		t.Errorf("audited action = %q", sink.events[0].Action)
	}
}

func TestHandler_BlockPageEscapesHTML(t *testing.T) {
	snap := activeSnapshot()
	snap.Policies["<script>alert(1)</script>"] = enforcement.PolicyOverride{
		Enabled: true, Action: enforcement.ActionBlock,
	}
	h, _ := newTestHandler(t, snap,
		enforcement.Verdict{
			PolicyName: "<script>alert(1)</script>",
			Action:     enforcement.ActionBlock,
			Reason:     `<img src=x onerror=alert(2)>`,
		},
		okUpstream("{}"))

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions", nil)
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "<script>alert(1)") || strings.Contains(body, "<img src=x") {
		t.Error("block page did not escape attacker-controlled strings")
	}
}

func TestHandler_AllowForwardsUpstream(t *testing.T) {
	var upstreamSeen *http.Request
	upstream := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		upstreamSeen = r
		return okUpstream(`{"id":"cmpl-1"}`)(r)
	})

	h, sink := newTestHandler(t, activeSnapshot(),
		enforcement.Verdict{PolicyName: "default", Action: enforcement.ActionAllow, Reason: "no matching rule"},
		upstream)

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions?stream=false", strings.NewReader(`{"model":"gpt-4"}`))
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"id":"cmpl-1"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if upstreamSeen == nil {
		t.Fatal("upstream never called")
	}
	if got := upstreamSeen.URL.String(); got != "https://api.openai.com/v1/chat/completions?stream=false" {
		t.Errorf("upstream URL = %q", got)
	}
	if xff := upstreamSeen.Header.Get("X-Forwarded-For"); xff != "192.168.1.50" {
		t.Errorf("X-Forwarded-For = %q", xff)
	}

	// request + response events, in order.
	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
	if sink.events[0].EventType != audit.EventRequest || sink.events[1].EventType != audit.EventResponse {
		t.Errorf("event order = %s, %s", sink.events[0].EventType, sink.events[1].EventType)
	}
	if sink.events[1].Status != 200 {
		t.Errorf("response status = %d", sink.events[1].Status)
	}
	if !strings.Contains(sink.events[0].Preview, "gpt-4") {
		t.Errorf("request preview = %q", sink.events[0].Preview)
	}
}

func TestHandler_BlockedRequestAuditOrder(t *testing.T) {
	engine := enforcement.NewEngine(activeSnapshot(), nopLogger())
	sink := &captureSink{}
	h := NewHandler(HandlerConfig{
		Registry:  testRegistry(),
		Evaluator: staticEvaluator{v: enforcement.Verdict{PolicyName: "bedtime", Action: enforcement.ActionBlock, Reason: "late"}},
		Recorder:  enforcement.NewRecorder(engine, sink, nil),
		Forwarder: NewForwarder(okUpstream("{}"), 5*time.Second, nopLogger()),
		Sink:      sink,
		Logger:    nopLogger(),
	})

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions", strings.NewReader(`{}`))
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// With the recorder and the handler sharing one sink, the trail for a
	// blocked request must read request then block.
	if len(sink.events) != 2 {
		t.Fatalf("events = %+v, want 2", sink.events)
	}
	if sink.events[0].EventType != audit.EventRequest || sink.events[1].EventType != audit.EventBlock {
		t.Errorf("event order = %s, %s; want %s, %s",
			sink.events[0].EventType, sink.events[1].EventType,
			audit.EventRequest, audit.EventBlock)
	}
	if sink.events[0].RequestID != sink.events[1].RequestID {
		t.Errorf("request IDs differ: %q vs %q", sink.events[0].RequestID, sink.events[1].RequestID)
	}
}

func TestHandler_DecisionReachesUpstreamContext(t *testing.T) {
	var got ctxkeys.DecisionMeta
	var ok bool
	upstream := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got, ok = ctxkeys.DecisionFrom(r.Context())
		return okUpstream("{}")(r)
	})

	h, _ := newTestHandler(t, activeSnapshot(),
		enforcement.Verdict{PolicyName: "default", Action: enforcement.ActionAllow, Reason: "no matching rule"},
		upstream)

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions", strings.NewReader(`{}`))
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !ok {
		t.Fatal("decision not tagged into the upstream context")
	}
	if got.PolicyName != "default" || got.Action != "allow" {
		t.Errorf("decision meta = %+v", got)
	}
}

func TestHandler_NonInferencePathHasNoPreview(t *testing.T) {
	h, sink := newTestHandler(t, activeSnapshot(),
		enforcement.Verdict{PolicyName: "default", Action: enforcement.ActionAllow, Reason: "no matching rule"},
		okUpstream("{}"))

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/files", strings.NewReader("raw upload bytes"))
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if len(sink.events) == 0 {
		t.Fatal("no events recorded")
	}
	if sink.events[0].Preview != "" {
		t.Errorf("non-inference path carried a preview: %q", sink.events[0].Preview)
	}
}

func TestHandler_AlertForwardsLikeAllow(t *testing.T) {
	snap := activeSnapshot()
	snap.Policies["homework"] = enforcement.PolicyOverride{Enabled: true, Action: enforcement.ActionAlert}

	h, sink := newTestHandler(t, snap,
		enforcement.Verdict{PolicyName: "homework", Action: enforcement.ActionBlock, Reason: "flagged"},
		okUpstream(`{}`))

	req := httptest.NewRequest("POST", "http://api.anthropic.com/v1/messages", strings.NewReader(`{}`))
	req.Host = "api.anthropic.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("alert must forward, status = %d", rec.Code)
	}
	if sink.events[0].Action != "alert" {
		t.Errorf("audited action = %q, want alert", sink.events[0].Action)
	}
}

func TestHandler_MACFromResolverReachesEngine(t *testing.T) {
	snap := activeSnapshot()
	snap.Devices = []enforcement.Device{
		{MAC: "aa:bb:cc:dd:ee:ff", Name: "parent-phone", Enabled: true},
	}
	engine := enforcement.NewEngine(snap, nopLogger())
	h := NewHandler(HandlerConfig{
		Registry:  testRegistry(),
		Resolver:  StaticResolver{"192.168.1.50": "aa:bb:cc:dd:ee:ff"},
		Evaluator: staticEvaluator{v: enforcement.Verdict{PolicyName: "bedtime", Action: enforcement.ActionBlock, Reason: "late"}},
		Recorder:  enforcement.NewRecorder(engine, nil, nil),
		Forwarder: NewForwarder(okUpstream("{}"), 5*time.Second, nopLogger()),
		Logger:    nopLogger(),
	})

	req := httptest.NewRequest("POST", "http://api.openai.com/v1/chat/completions", nil)
	req.Host = "api.openai.com"
	req.RemoteAddr = "192.168.1.50:4242"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The device is allowlisted by MAC even though no IP entry exists.
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200 (allowlisted by MAC)", rec.Code)
	}
}
