// Package ctxkeys defines context keys for passing data through the request
// pipeline. All context keys are unexported to prevent collisions. Use the
// With*/From accessor pairs.
package ctxkeys

import (
	"context"
	"time"
)

type requestMetaKey struct{}
type decisionKey struct{}

// RequestMeta holds the identity resolved for one intercepted request.
type RequestMeta struct {
	RequestID string
	ClientIP  string
	ClientMAC string // "" when the ARP table has no entry
	Provider  string
	StartTime time.Time
}

// DecisionMeta summarizes the enforcement outcome for downstream handlers.
type DecisionMeta struct {
	Action     string
	PolicyName string
	Rule       string
}

// WithRequestMeta stores RequestMeta in the context.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom retrieves RequestMeta from the context.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}

// WithDecision stores DecisionMeta in the context.
func WithDecision(ctx context.Context, d DecisionMeta) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFrom retrieves DecisionMeta from the context.
func DecisionFrom(ctx context.Context) (DecisionMeta, bool) {
	d, ok := ctx.Value(decisionKey{}).(DecisionMeta)
	return d, ok
}
