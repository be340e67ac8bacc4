// Package errors defines the gateway's error types. Every error includes a
// Hint pointing the operator at the relevant configuration or endpoint.
package errors

import "fmt"

// GatewayError is the base error type for all yori errors.
type GatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("[%d] %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Predefined errors.
var (
	ErrUnknownEndpoint     = &GatewayError{Code: 404, Message: "Endpoint not intercepted by this gateway", Hint: "Add the domain under endpoints in yori.yaml"}
	ErrUpstreamUnavailable = &GatewayError{Code: 502, Message: "Upstream provider unavailable", Hint: "Check network connectivity and provider status"}
	ErrUpstreamTimeout     = &GatewayError{Code: 504, Message: "Upstream provider timed out", Hint: "Increase listen.upstream_timeout if the provider is slow"}
	ErrRateLimited         = &GatewayError{Code: 429, Message: "Too many attempts", Hint: "Wait before retrying"}
	ErrLockedOut           = &GatewayError{Code: 429, Message: "Override temporarily locked", Hint: "Too many failed attempts; wait for the lockout to expire"}
	ErrAuthRequired        = &GatewayError{Code: 401, Message: "Authentication required", Hint: "Set Authorization header: 'Bearer <token>'"}
	ErrAuthInvalid         = &GatewayError{Code: 401, Message: "Invalid authentication token", Hint: "Check token expiry and issuer"}
	ErrInvalidRequest      = &GatewayError{Code: 400, Message: "Invalid request format", Hint: "Check the request body and parameters"}
	ErrNotFound            = &GatewayError{Code: 404, Message: "Not found", Hint: "Check the resource name"}
)
