package proxy

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/enforcement"
)

// overrideEntry holds one IP's attempt limiter and lockout state.
type overrideEntry struct {
	limiter     *rate.Limiter
	lockedUntil time.Time
	lastSeen    time.Time
}

// OverrideLimits configures the override attempt budget.
type OverrideLimits struct {
	MaxAttempts int           // attempts per window, default 3
	Window      time.Duration // default 1m
	Lockout     time.Duration // cool-down after the budget is spent, default 5m
	TempAllow   time.Duration // duration of the granted exemption, default 15m
}

func (l *OverrideLimits) applyDefaults() {
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 3
	}
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	if l.Lockout <= 0 {
		l.Lockout = 5 * time.Minute
	}
	if l.TempAllow <= 0 {
		l.TempAllow = 15 * time.Minute
	}
}

// OverrideHandler serves the block-page override form. A successful password
// grants the client IP a temporary allowlist entry; attempts are budgeted
// per IP with a cool-down lockout, and the budget is charged before the
// password is even compared so the hash is never an oracle for a flooding
// client.
type OverrideHandler struct {
	engine  *enforcement.Engine
	sink    enforcement.Sink
	metrics *audit.Metrics
	logger  *slog.Logger
	limits  OverrideLimits

	mu      sync.Mutex
	entries map[string]*overrideEntry
	now     func() time.Time
}

// NewOverrideHandler wires the handler. sink and metrics may be nil.
func NewOverrideHandler(engine *enforcement.Engine, sink enforcement.Sink, metrics *audit.Metrics, limits OverrideLimits, logger *slog.Logger) *OverrideHandler {
	limits.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &OverrideHandler{
		engine:  engine,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		limits:  limits,
		entries: make(map[string]*overrideEntry),
		now:     time.Now,
	}
}

// ServeHTTP handles POST /yori/override.
func (h *OverrideHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	clientIP := enforcement.NormalizeIP(stripPort(r.RemoteAddr))
	password := r.PostFormValue("password")
	requestID := r.PostFormValue("request_id")
	policy := r.PostFormValue("policy")

	switch h.charge(clientIP) {
	case chargeLocked:
		h.record(clientIP, requestID, policy, "locked_out")
		h.renderRetry(w, requestID, policy, "Too many attempts. Override is temporarily locked.")
		return
	case chargeExhausted:
		h.record(clientIP, requestID, policy, "rate_limited")
		h.renderRetry(w, requestID, policy, "Too many attempts. Please wait a minute.")
		return
	}

	hash := h.engine.Snapshot().OverridePassword
	if hash == "" || !enforcement.VerifyPassword(password, hash) {
		h.record(clientIP, requestID, policy, "failure")
		h.logger.Warn("override attempt failed", "client_ip", clientIP, "policy", policy)
		h.renderRetry(w, requestID, policy, "Incorrect password.")
		return
	}

	expires := h.now().Add(h.limits.TempAllow)
	h.engine.Update(func(s *enforcement.Snapshot) {
		s.Devices = append(s.Devices, enforcement.Device{
			IP:        clientIP,
			Name:      "override:" + clientIP,
			Enabled:   true,
			ExpiresAt: &expires,
		})
	})
	h.reset(clientIP)
	h.record(clientIP, requestID, policy, "success")
	h.logger.Info("override granted",
		"client_ip", clientIP,
		"policy", policy,
		"expires_at", expires.Format(time.RFC3339),
	)
	h.renderGranted(w, expires)
}

type chargeResult int

const (
	chargeOK chargeResult = iota
	chargeExhausted
	chargeLocked
)

// charge spends one attempt from the IP's budget. Exhausting the budget
// starts the lockout.
func (h *OverrideHandler) charge(ip string) chargeResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	e, ok := h.entries[ip]
	if !ok {
		// Burst covers the whole per-window budget and refill is one token
		// per full window, so a spent budget stays spent until the window
		// has elapsed.
		e = &overrideEntry{limiter: rate.NewLimiter(rate.Every(h.limits.Window), h.limits.MaxAttempts)}
		h.entries[ip] = e
	}
	e.lastSeen = now

	if now.Before(e.lockedUntil) {
		return chargeLocked
	}
	if !e.limiter.AllowN(now, 1) {
		e.lockedUntil = now.Add(h.limits.Lockout)
		return chargeExhausted
	}
	return chargeOK
}

// reset clears the IP's budget after a successful override.
func (h *OverrideHandler) reset(ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, ip)
}

// Sweep drops entries idle longer than the lockout window. Called
// periodically by the server.
func (h *OverrideHandler) Sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.limits.Lockout - h.limits.Window)
	for ip, e := range h.entries {
		if e.lastSeen.Before(cutoff) && h.now().After(e.lockedUntil) {
			delete(h.entries, ip)
		}
	}
}

func (h *OverrideHandler) record(clientIP, requestID, policy, result string) {
	if h.metrics != nil {
		h.metrics.RecordOverrideAttempt(result)
	}
	if h.sink == nil {
		return
	}
	h.sink.Record(audit.Event{
		EventType:  audit.EventOverrideAttempt,
		ClientIP:   clientIP,
		PolicyName: policy,
		Action:     result,
		RequestID:  requestID,
	})
}

func (h *OverrideHandler) renderRetry(w http.ResponseWriter, requestID, policy, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	blockPageTmpl.Execute(w, blockPageData{
		PolicyName:    policy,
		Reason:        "override required",
		Timestamp:     h.now().Format(time.DateTime),
		RequestID:     requestID,
		AllowOverride: true,
		Error:         msg,
	})
}

func (h *OverrideHandler) renderGranted(w http.ResponseWriter, expires time.Time) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	blockPageTmpl.Execute(w, blockPageData{
		PolicyName: "override",
		Reason:     "access granted until " + expires.Format(time.Kitchen),
		Message:    "Override accepted. You can retry your request now.",
		Timestamp:  h.now().Format(time.DateTime),
	})
}
