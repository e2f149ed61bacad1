package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// Context keys for the per-request fields every *Context log call adds.
const (
	RequestIDKey contextKey = "request_id"
	BackendKey   contextKey = "backend"
	AddressKey   contextKey = "address"
)

var contextFields = []contextKey{RequestIDKey, BackendKey, AddressKey}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// WithBackend adds the selected backend name to the context.
func WithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, BackendKey, backend)
}

// GetBackend retrieves the backend name from the context.
func GetBackend(ctx context.Context) string {
	return getString(ctx, BackendKey)
}

// WithAddress adds the backend address a session is connected to.
func WithAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, AddressKey, address)
}

func getString(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// extractContextFields returns the request fields of ctx plus the IDs of
// its recording span, as key-value pairs for slog.
func extractContextFields(ctx context.Context) []any {
	var fields []any
	for _, key := range contextFields {
		if v := getString(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
		}
	}
	return fields
}
