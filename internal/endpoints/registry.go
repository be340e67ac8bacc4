package endpoints

import (
	"strings"
	"sync/atomic"

	"github.com/yori-gw/yori/internal/config"
)

// Registry holds the set of domains the gateway intercepts. Lookups are
// lock-free against an atomic set pointer; Replace swaps the whole set on
// configuration reload.
type Registry struct {
	domains atomic.Pointer[map[string]bool]
}

// NewRegistry builds a Registry from configured endpoints. Disabled entries
// are kept out of the set.
func NewRegistry(endpoints []config.EndpointConfig) *Registry {
	r := &Registry{}
	r.Replace(endpoints)
	return r
}

// Replace swaps the intercepted-domain set (configuration reload).
func (r *Registry) Replace(endpoints []config.EndpointConfig) {
	set := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if !config.BoolOr(ep.Enabled, true) {
			continue
		}
		set[strings.ToLower(ep.Domain)] = true
	}
	r.domains.Store(&set)
}

// IsConfigured reports whether the host is one of the intercepted domains.
// Ports are stripped and subdomains of a configured domain match.
func (r *Registry) IsConfigured(host string) bool {
	h := strings.ToLower(host)
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	set := *r.domains.Load()
	if set[h] {
		return true
	}
	for domain := range set {
		if strings.HasSuffix(h, "."+domain) {
			return true
		}
	}
	return false
}

// Domains returns the configured domain set for status reporting.
func (r *Registry) Domains() []string {
	set := *r.domains.Load()
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}
