// Package health provides liveness and readiness endpoints. Liveness is
// unconditional; readiness additionally requires the audit store to answer a
// ping, since a gateway that cannot record decisions should not take traffic.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the slice of the audit store the health handler needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	store   Pinger
	version string
}

// NewHandler creates a health check handler. A nil store disables the audit
// store readiness check.
func NewHandler(store Pinger, version string) *Handler {
	return &Handler{store: store, version: version}
}

// ServeHTTP routes to the appropriate health endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		h.handleLiveness(w, r)
	case "/readyz":
		h.handleReadiness(w, r)
	default:
		http.NotFound(w, r)
	}
}

// LivenessResponse is the JSON response for /healthz.
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessResponse is the JSON response for /readyz.
type ReadinessResponse struct {
	Status     string `json:"status"`
	AuditStore string `json:"audit_store"`
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{
		Status:  "ok",
		Version: h.version,
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{Status: "ready", AuditStore: "ok"}
	code := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			resp.Status = "not_ready"
			resp.AuditStore = "unavailable"
			code = http.StatusServiceUnavailable
		}
	} else {
		resp.AuditStore = "disabled"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
