package logger

import "context"

// contextKey is unexported so no other package can collide with it.
type contextKey struct{}

var requestIDKey = contextKey{}

// WithRequestID stores the request ID for downstream log correlation. Every
// API-originated submission carries it from the middleware through the
// scheduler's log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the stored request ID, or "" outside a request scope
// (sweep goroutines, MCP calls, tests).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
