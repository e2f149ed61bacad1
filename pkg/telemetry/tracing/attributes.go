package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys follow OpenTelemetry semantic conventions
// (http.*, server.*). Proxy-specific keys use the "conduit.*" namespace.
const (
	// Request attributes
	AttrRequestID  = "conduit.request_id"
	AttrHTTPMethod = "http.request.method"
	AttrHTTPTarget = "url.path"
	AttrHTTPHost   = "server.address"

	// Backend attributes
	AttrBackend        = "conduit.backend"
	AttrBackendAddress = "conduit.backend.address"

	// Response attributes
	AttrHTTPStatus = "http.response.status_code"
	AttrRestarts   = "conduit.restarts"

	// Redirect and cache attributes
	AttrRedirectKind = "conduit.redirect.kind"
	AttrCacheHit     = "conduit.file_cache.hit"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// SetRequestAttributes records the client request a session proxies.
// Empty values are skipped.
func SetRequestAttributes(span trace.Span, requestID, method, uri, host string) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, 4)
	if requestID != "" {
		attrs = append(attrs, attribute.String(AttrRequestID, requestID))
	}
	if method != "" {
		attrs = append(attrs, attribute.String(AttrHTTPMethod, method))
	}
	if uri != "" {
		attrs = append(attrs, attribute.String(AttrHTTPTarget, uri))
	}
	if host != "" {
		attrs = append(attrs, attribute.String(AttrHTTPHost, host))
	}
	span.SetAttributes(attrs...)
}

// SetBackendAttributes records the backend and the address a session was
// assigned. It is called again after every restart, so the last address
// wins.
func SetBackendAttributes(span trace.Span, backend, address string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String(AttrBackend, backend),
		attribute.String(AttrBackendAddress, address),
	)
}

// SetResponseAttributes records the final status and how often the
// session was restarted or redirected.
func SetResponseAttributes(span trace.Span, status, restarts int) {
	if span == nil || !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.Int(AttrRestarts, restarts)}
	if status > 0 {
		attrs = append(attrs, attribute.Int(AttrHTTPStatus, status))
	}
	span.SetAttributes(attrs...)
}

// AddEvent adds a named event to the span with optional attributes.
//
// Example:
//
//	AddEvent(span, "restart",
//	    attribute.String("reason", "connect_failed"),
//	)
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
