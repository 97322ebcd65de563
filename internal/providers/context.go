package providers

import "context"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request ID in the context for downstream
// forwarding to providers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
