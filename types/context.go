package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyAPIKeyID  contextKey = "api_key_id"
	keyJobID     contextKey = "job_id"
)

// WithRequestID adds the request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithAPIKeyID adds the authenticated API key's id to the context.
func WithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyAPIKeyID, id)
}

// APIKeyID extracts the authenticated API key's id from the context.
func APIKeyID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAPIKeyID).(string)
	return v, ok && v != ""
}

// WithJobID adds the job id a worker is currently processing to the context.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyJobID, id)
}

// JobID extracts the job id from the context.
func JobID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyJobID).(string)
	return v, ok && v != ""
}
