package types

import (
	"fmt"
	"strings"
)

// Request is the normalized inbound request handed to the proxy core.
type Request struct {
	// ID correlates log lines, traces and metrics of one request.
	ID string

	// Method is the request method, e.g. "GET".
	Method string

	// URI is the request-target as sent upstream: path plus optional query.
	URI string

	// OrigURI holds the client's URI when a rewrite changed URI.
	OrigURI string

	// ProtoMajor and ProtoMinor give the client's HTTP version.
	ProtoMajor int
	ProtoMinor int

	// Host is the request authority.
	Host string

	// Header holds the client's header fields in order.
	Header *Header

	// ContentLength is the request body length, -1 when unknown.
	ContentLength int64

	// Chunked is set when the client sent the body with chunked framing.
	Chunked bool

	// RemoteAddr and RemotePort identify the client.
	RemoteAddr string
	RemotePort int

	// ServerAddr, ServerPort and ServerName identify the listener.
	ServerAddr string
	ServerPort int
	ServerName string

	// TLS is set when the front-end connection is encrypted.
	TLS bool

	// RemoteUser is the authenticated user, if any.
	RemoteUser string

	// DocumentRoot, ScriptName, PathInfo and PhysicalPath feed the CGI
	// environment of FastCGI backends.
	DocumentRoot string
	ScriptName   string
	PathInfo     string
	PhysicalPath string
}

// NewRequest returns a GET request for uri with an empty header and unknown
// body length.
func NewRequest(method, uri string) *Request {
	if method == "" {
		method = "GET"
	}
	return &Request{
		Method:        method,
		URI:           uri,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        &Header{},
		ContentLength: -1,
	}
}

// Proto returns the protocol string, e.g. "HTTP/1.1".
func (r *Request) Proto() string {
	return fmt.Sprintf("HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor)
}

// AtLeast11 reports whether the client speaks HTTP/1.1 or later.
func (r *Request) AtLeast11() bool {
	return r.ProtoMajor > 1 || (r.ProtoMajor == 1 && r.ProtoMinor >= 1)
}

// Path returns the URI without query string.
func (r *Request) Path() string {
	p, _, _ := strings.Cut(r.URI, "?")
	return p
}

// Query returns the raw query string without the leading "?".
func (r *Request) Query() string {
	_, q, _ := strings.Cut(r.URI, "?")
	return q
}

// Scheme returns "https" for TLS front ends and "http" otherwise.
func (r *Request) Scheme() string {
	if r.TLS {
		return "https"
	}
	return "http"
}

// Rewrite changes URI and remembers the original one the first time.
func (r *Request) Rewrite(uri string) {
	if uri == r.URI {
		return
	}
	if r.OrigURI == "" {
		r.OrigURI = r.URI
	}
	r.URI = uri
}

// Clone returns a copy with its own header.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}
