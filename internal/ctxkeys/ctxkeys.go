// Package ctxkeys holds the request-scoped context keys shared between
// the HTTP middleware and the handlers. Keeping them in one leaf package
// avoids the unexported-key duplication that makes values set by one
// package invisible to another.
package ctxkeys

import (
	"context"

	"github.com/Onegaishimas/bin2nlp/internal/auth"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	apiKeyKey  contextKey = "api_key"
)

// WithTraceID attaches the request id assigned by the middleware.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID retrieves the request id, if any.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithAPIKey attaches the authenticated caller's API key record to ctx,
// set once by the auth middleware after a successful Store.Authenticate.
func WithAPIKey(ctx context.Context, key *auth.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey, key)
}

// APIKey retrieves the authenticated caller's API key record, if any.
func APIKey(ctx context.Context) (*auth.APIKey, bool) {
	v, ok := ctx.Value(apiKeyKey).(*auth.APIKey)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
