// Package admin exposes the parent-facing management API: allowlist and time
// exception management, the emergency kill-switch, policy testing, and audit
// queries. It binds to localhost by default and requires a bearer JWT signed
// with the shared admin secret.
package admin

import (
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	yorierrors "github.com/yori-gw/yori/internal/errors"
)

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	TokenSecret string
	Issuer      string
	Audience    string
}

// RequireAuth wraps next with HS256 bearer token validation. Expiry is always
// checked; issuer and audience only when configured.
func RequireAuth(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			yorierrors.WriteHTTPError(w, yorierrors.ErrAuthRequired)
			return
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			yorierrors.WriteHTTPError(w, yorierrors.ErrAuthRequired)
			return
		}

		opts := []jwt.ParseOption{
			jwt.WithKey(jwa.HS256, []byte(cfg.TokenSecret)),
			jwt.WithValidate(true),
		}
		if cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(cfg.Issuer))
		}
		if cfg.Audience != "" {
			opts = append(opts, jwt.WithAudience(cfg.Audience))
		}

		if _, err := jwt.Parse([]byte(token), opts...); err != nil {
			yorierrors.WriteHTTPError(w, yorierrors.ErrAuthInvalid)
			return
		}

		next.ServeHTTP(w, r)
	})
}
