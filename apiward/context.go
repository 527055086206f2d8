package apiward

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// WithRequestID returns a context carrying an explicit correlation id for
// the next call issued with it.
//
// Useful when the caller is itself part of a traced operation and wants the
// outbound X-Request-Id to match an existing trace id. Without it, every
// call gets a fresh UUID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts a correlation id previously attached with
// WithRequestID.
//
// The boolean return value is false when the context carries none.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// requestID resolves the correlation id for one call: the context-supplied
// id when present, a fresh UUID otherwise.
func requestID(ctx context.Context) string {
	if id, ok := RequestIDFromContext(ctx); ok {
		return id
	}
	return uuid.NewString()
}
