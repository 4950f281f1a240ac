package core

import "context"

type requestIDKey struct{}

// WithRequestID attaches the X-Request-Id of the inbound call to ctx so the
// upstream request can reuse it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request ID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
