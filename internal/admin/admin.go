package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yori-gw/yori/internal/audit"
	"github.com/yori-gw/yori/internal/enforcement"
	yorierrors "github.com/yori-gw/yori/internal/errors"
	"github.com/yori-gw/yori/internal/evaluator"
)

// API serves the management endpoints. All mutations go through the
// enforcement engine's copy-on-write updates, so the proxy observes them
// immediately and atomically. Changes live until the next configuration
// reload; persisting them back to yori.yaml is the operator's job.
type API struct {
	engine    *enforcement.Engine
	emergency *enforcement.EmergencyController
	evaluator evaluator.Evaluator
	store     audit.Store
	logger    *slog.Logger
	version   string
}

// New wires the API. store may be nil, which disables the audit endpoints.
func New(engine *enforcement.Engine, emergency *enforcement.EmergencyController, eval evaluator.Evaluator, store audit.Store, version string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		engine:    engine,
		emergency: emergency,
		evaluator: eval,
		store:     store,
		logger:    logger,
		version:   version,
	}
}

// Routes returns the admin mux. Auth is layered on by the caller so tests can
// exercise handlers directly.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/allowlist", a.handleAllowlistGet)
	mux.HandleFunc("POST /api/v1/allowlist/devices", a.handleDeviceAdd)
	mux.HandleFunc("DELETE /api/v1/allowlist/devices/{ip}", a.handleDeviceRemove)
	mux.HandleFunc("POST /api/v1/allowlist/exceptions", a.handleExceptionAdd)
	mux.HandleFunc("DELETE /api/v1/allowlist/exceptions/{name}", a.handleExceptionRemove)
	mux.HandleFunc("GET /api/v1/emergency", a.handleEmergencyStatus)
	mux.HandleFunc("POST /api/v1/emergency/activate", a.handleEmergencyActivate)
	mux.HandleFunc("POST /api/v1/emergency/deactivate", a.handleEmergencyDeactivate)
	mux.HandleFunc("PUT /api/v1/emergency/password", a.handleEmergencyPassword)
	mux.HandleFunc("GET /api/v1/policy/test", a.handlePolicyTest)
	mux.HandleFunc("GET /api/v1/audit/recent", a.handleAuditRecent)
	mux.HandleFunc("GET /api/v1/audit/stats", a.handleAuditStats)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return false
	}
	return true
}

// statusResponse is the GET /status payload.
type statusResponse struct {
	Version            string                      `json:"version"`
	Mode               string                      `json:"mode"`
	EnforcementActive  bool                        `json:"enforcement_active"`
	ConsentAccepted    bool                        `json:"consent_accepted"`
	Emergency          enforcement.EmergencyStatus `json:"emergency"`
	AllowlistedDevices int                         `json:"allowlisted_devices"`
	TimeExceptions     int                         `json:"time_exceptions"`
	Policies           map[string]string           `json:"policies"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	s := a.engine.Snapshot()
	policies := make(map[string]string, len(s.Policies))
	for name, po := range s.Policies {
		action := string(po.Action)
		if !po.Enabled {
			action = "disabled"
		}
		policies[name] = action
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:            a.version,
		Mode:               s.Mode,
		EnforcementActive:  s.Active(),
		ConsentAccepted:    s.ConsentAccepted,
		Emergency:          a.emergency.Status(),
		AllowlistedDevices: len(s.Devices),
		TimeExceptions:     len(s.Exceptions),
		Policies:           policies,
	})
}

type allowlistResponse struct {
	Devices    []enforcement.Device        `json:"devices"`
	Exceptions []enforcement.TimeException `json:"exceptions"`
}

func (a *API) handleAllowlistGet(w http.ResponseWriter, r *http.Request) {
	s := a.engine.Snapshot()
	writeJSON(w, http.StatusOK, allowlistResponse{Devices: s.Devices, Exceptions: s.Exceptions})
}

type deviceRequest struct {
	IP        string `json:"ip"`
	Name      string `json:"name"`
	MAC       string `json:"mac,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
	ExpiresIn string `json:"expires_in,omitempty"` // Go duration, e.g. "2h"
}

func (a *API) handleDeviceAdd(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IP == "" || req.Name == "" {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return
	}

	device := enforcement.Device{
		IP:        enforcement.NormalizeIP(req.IP),
		Name:      req.Name,
		MAC:       enforcement.NormalizeMAC(req.MAC),
		Enabled:   true,
		Permanent: req.Permanent,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
			return
		}
		expires := time.Now().Add(d)
		device.ExpiresAt = &expires
	}

	a.engine.Update(func(s *enforcement.Snapshot) {
		// Replace an existing entry for the same IP rather than stacking.
		for i := range s.Devices {
			if s.Devices[i].IP == device.IP {
				s.Devices[i] = device
				return
			}
		}
		s.Devices = append(s.Devices, device)
	})

	a.logger.Info("allowlist device added", "ip", device.IP, "name", device.Name)
	writeJSON(w, http.StatusCreated, device)
}

func (a *API) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	ip := enforcement.NormalizeIP(r.PathValue("ip"))

	removed := false
	a.engine.Update(func(s *enforcement.Snapshot) {
		kept := s.Devices[:0]
		for _, d := range s.Devices {
			if d.IP == ip {
				removed = true
				continue
			}
			kept = append(kept, d)
		}
		s.Devices = kept
	})

	if !removed {
		yorierrors.WriteHTTPError(w, yorierrors.ErrNotFound)
		return
	}
	a.logger.Info("allowlist device removed", "ip", ip)
	w.WriteHeader(http.StatusNoContent)
}

type exceptionRequest struct {
	Name      string   `json:"name"`
	Days      []string `json:"days"`
	StartTime string   `json:"start_time"`
	EndTime   string   `json:"end_time"`
	DeviceIPs []string `json:"device_ips"`
}

func (a *API) handleExceptionAdd(w http.ResponseWriter, r *http.Request) {
	var req exceptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Days) == 0 || req.StartTime == "" || req.EndTime == "" {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return
	}

	ips := make([]string, len(req.DeviceIPs))
	for i, ip := range req.DeviceIPs {
		ips[i] = enforcement.NormalizeIP(ip)
	}
	exc := enforcement.TimeException{
		Name:      req.Name,
		Days:      lowercaseAll(req.Days),
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		DeviceIPs: ips,
		Enabled:   true,
	}

	a.engine.Update(func(s *enforcement.Snapshot) {
		for i := range s.Exceptions {
			if s.Exceptions[i].Name == exc.Name {
				s.Exceptions[i] = exc
				return
			}
		}
		s.Exceptions = append(s.Exceptions, exc)
	})

	a.logger.Info("time exception added", "name", exc.Name)
	writeJSON(w, http.StatusCreated, exc)
}

func (a *API) handleExceptionRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	removed := false
	a.engine.Update(func(s *enforcement.Snapshot) {
		kept := s.Exceptions[:0]
		for _, e := range s.Exceptions {
			if e.Name == name {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		s.Exceptions = kept
	})

	if !removed {
		yorierrors.WriteHTTPError(w, yorierrors.ErrNotFound)
		return
	}
	a.logger.Info("time exception removed", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEmergencyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.emergency.Status())
}

type emergencyRequest struct {
	Password string `json:"password,omitempty"`
	By       string `json:"by,omitempty"`
}

func (a *API) handleEmergencyActivate(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "admin-api"
	}
	if err := a.emergency.Activate(req.Password, req.By, clientIP(r)); err != nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrAuthInvalid)
		return
	}
	writeJSON(w, http.StatusOK, a.emergency.Status())
}

func (a *API) handleEmergencyDeactivate(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "admin-api"
	}
	a.emergency.Deactivate(req.By, clientIP(r))
	writeJSON(w, http.StatusOK, a.emergency.Status())
}

type passwordRequest struct {
	Current string `json:"current,omitempty"`
	Next    string `json:"next"`
}

func (a *API) handleEmergencyPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Next == "" {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return
	}
	if err := a.emergency.SetPassword(req.Current, req.Next); err != nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrAuthInvalid)
		return
	}
	a.logger.Info("emergency password rotated", "client_ip", clientIP(r))
	w.WriteHeader(http.StatusNoContent)
}

// policyTestResponse reports what would happen to a hypothetical request.
type policyTestResponse struct {
	Verdict  enforcement.Verdict  `json:"verdict"`
	Decision enforcement.Decision `json:"decision"`
}

func (a *API) handlePolicyTest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := q.Get("ip")
	host := q.Get("host")
	if ip == "" || host == "" {
		yorierrors.WriteHTTPError(w, yorierrors.ErrInvalidRequest)
		return
	}

	info := evaluator.RequestInfo{
		ClientIP: ip,
		Host:     host,
		Path:     q.Get("path"),
		Method:   q.Get("method"),
		Time:     time.Now(),
	}
	verdict, err := a.evaluator.Evaluate(r.Context(), info)
	if err != nil {
		verdict = enforcement.Verdict{PolicyName: "error_fallback", Action: enforcement.ActionAllow, Reason: err.Error()}
	}

	decision := a.engine.Decide(enforcement.Request{
		ID:       "policy-test",
		ClientIP: ip,
		Host:     host,
		Path:     info.Path,
		Method:   info.Method,
	}, verdict)

	writeJSON(w, http.StatusOK, policyTestResponse{Verdict: verdict, Decision: decision})
}

func (a *API) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrNotFound)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	events, err := a.store.Recent(ctx, audit.Query{
		EventType: q.Get("event_type"),
		ClientIP:  q.Get("client_ip"),
		Action:    q.Get("action"),
		Limit:     limit,
	})
	if err != nil {
		a.logger.Error("audit query failed", "error", err)
		http.Error(w, "audit store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		yorierrors.WriteHTTPError(w, yorierrors.ErrNotFound)
		return
	}
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := a.store.Stats(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		a.logger.Error("audit stats failed", "error", err)
		http.Error(w, "audit store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"stats":        stats,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return enforcement.NormalizeIP(host)
}

func lowercaseAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
