package proxy

import (
	"time"
)

// SessionMetadata summarizes a finished session for logging and metrics.
type SessionMetadata struct {
	// RequestID is the unique identifier for the request.
	RequestID string

	// Method is the HTTP method (GET, POST, etc.).
	Method string

	// URI is the request-target after internal rewrites.
	URI string

	// Host is the request authority.
	Host string

	// RemoteAddr is the client's IP address.
	RemoteAddr string

	// Backend is the name of the backend that served the request.
	Backend string

	// Address is the backend address of the last attempt.
	Address string

	// Status is the HTTP status code sent or to be sent to the client.
	Status int

	// Restarts counts restarts and internal redirects.
	Restarts int

	// BytesOut is the number of response body bytes handed to the front
	// end.
	BytesOut int64

	// Duration is the time from Submit to the end of the session.
	Duration time.Duration

	// Error contains any error that occurred.
	Error error
}

// Metadata returns the summary of c at now. err is the session outcome.
func (c *Conn) Metadata(now time.Time, err error) SessionMetadata {
	md := SessionMetadata{
		RequestID:  c.ID,
		Method:     c.Request.Method,
		URI:        c.Request.URI,
		Host:       c.Request.Host,
		RemoteAddr: c.Request.RemoteAddr,
		Restarts:   c.restarts,
		Duration:   now.Sub(c.started),
		Error:      err,
	}
	if c.route != nil {
		md.Backend = c.route.Name
	}
	if c.backend != nil {
		md.Address = c.backend.Address.Name
	}
	if c.ex != nil {
		md.Status = c.ex.Response.Status
		md.BytesOut = c.ex.Recv.Written()
	}
	if err != nil && !c.headSent {
		md.Status = StatusOf(err)
	}
	return md
}

// LogAttrs returns the metadata as slog key-value pairs.
func (m *SessionMetadata) LogAttrs() []any {
	attrs := []any{
		"request_id", m.RequestID,
		"method", m.Method,
		"uri", m.URI,
		"status", m.Status,
		"duration_ms", m.Duration.Milliseconds(),
	}
	if m.Backend != "" {
		attrs = append(attrs, "backend", m.Backend)
	}
	if m.Address != "" {
		attrs = append(attrs, "address", m.Address)
	}
	if m.Restarts > 0 {
		attrs = append(attrs, "restarts", m.Restarts)
	}
	return attrs
}
