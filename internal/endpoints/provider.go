// Package endpoints identifies which LLM provider an intercepted request
// targets and maintains the set of domains the gateway is configured to
// intercept.
package endpoints

import "strings"

// Provider identifies an LLM API provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderMistral   Provider = "mistral"
	ProviderUnknown   Provider = "unknown"
)

// providerDomains maps known API domains to providers. Subdomains of these
// also match.
var providerDomains = map[string]Provider{
	"api.openai.com":                    ProviderOpenAI,
	"openai.com":                        ProviderOpenAI,
	"api.anthropic.com":                 ProviderAnthropic,
	"anthropic.com":                     ProviderAnthropic,
	"generativelanguage.googleapis.com": ProviderGoogle,
	"gemini.google.com":                 ProviderGoogle,
	"api.mistral.ai":                    ProviderMistral,
	"mistral.ai":                        ProviderMistral,
}

// providerPaths maps API path prefixes to providers, used as a fallback when
// the host is not recognized (e.g. a proxy or regional alias).
var providerPaths = []struct {
	prefix   string
	provider Provider
}{
	{"/v1/chat/completions", ProviderOpenAI},
	{"/v1/completions", ProviderOpenAI},
	{"/v1/embeddings", ProviderOpenAI},
	{"/v1/messages", ProviderAnthropic},
	{"/v1/complete", ProviderAnthropic},
	{"/v1/models", ProviderOpenAI},
	{"/v1beta/models", ProviderGoogle},
}

// DetectProvider identifies the provider from the request host, falling back
// to well-known API path prefixes. Ports are stripped; matching is
// case-insensitive.
func DetectProvider(host, path string) Provider {
	h := strings.ToLower(host)
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}

	if p, ok := providerDomains[h]; ok {
		return p
	}
	for domain, p := range providerDomains {
		if strings.HasSuffix(h, "."+domain) {
			return p
		}
	}

	if path != "" {
		lp := strings.ToLower(path)
		for _, pp := range providerPaths {
			if strings.HasPrefix(lp, pp.prefix) {
				return pp.provider
			}
		}
	}

	return ProviderUnknown
}

// TargetURL builds the upstream URL for forwarding. Providers are always
// reached over HTTPS.
func TargetURL(host, path string) string {
	return "https://" + host + path
}

// IsLLMPath reports whether a path looks like an LLM API endpoint.
func IsLLMPath(path string) bool {
	lp := strings.ToLower(path)
	for _, pp := range providerPaths {
		if strings.HasPrefix(lp, pp.prefix) {
			return true
		}
	}
	for _, pat := range []string{"/v1/chat", "/v1/complete", "/v1/message", "/v1/embed", "/chat/completions", "/completions", "/messages"} {
		if strings.Contains(lp, pat) {
			return true
		}
	}
	return false
}

// Preview extracts a short UTF-8 preview of a request body for audit records.
// Content beyond max bytes is dropped with an ellipsis; nil or empty bodies
// yield "".
func Preview(body []byte, max int) string {
	if len(body) == 0 {
		return ""
	}
	if max <= 0 {
		max = 200
	}
	s := strings.ToValidUTF8(string(body), "")
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}
