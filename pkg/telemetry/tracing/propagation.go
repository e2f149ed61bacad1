package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// W3C Trace Context headers (https://www.w3.org/TR/trace-context/):
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//	tracestate:  congo=t61rcWkgMzE
//
// The front end extracts the client's context; the proxy session injects
// its own span into the request it forwards, so the backend continues the
// same trace.

// Propagator returns the configured text map propagator.
func Propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}

// Extract extracts trace context from HTTP headers and returns a context
// with the extracted trace context. If no trace context is found in the
// headers, the original context is returned.
func Extract(ctx context.Context, headers http.Header) context.Context {
	return Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// Inject writes the trace context of ctx into carrier. The ordered
// request header of a proxy session satisfies propagation.TextMapCarrier.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	if carrier == nil {
		return
	}
	Propagator().Inject(ctx, carrier)
}

// HTTPMiddleware extracts trace context from incoming requests and exposes
// the trace ID in the X-Trace-ID response header.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := Extract(r.Context(), r.Header)
		if sc := SpanContext(ctx); sc.IsValid() {
			w.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
