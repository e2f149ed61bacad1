package proxy

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/proxy/types"
)

const (
	// MaxRequestBodySize is the default limit on request bodies (10MB).
	MaxRequestBodySize = 10 * 1024 * 1024

	// RequestIDHeader is the HTTP header for request ID propagation.
	RequestIDHeader = "X-Request-ID"
)

// RequestError represents a client request the gateway refuses to forward.
type RequestError struct {
	Status  int
	Message string
	Code    string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return e.Message
}

// ToErrorResponse converts a RequestError to the gateway's error body.
func (e *RequestError) ToErrorResponse() *types.ErrorResponse {
	resp := types.ForStatus(e.Status, e.Message)
	if e.Code != "" {
		resp.Error.Code = e.Code
	}
	return resp
}

// ParseHTTPRequest converts an inbound net/http request into a proxy request
// and the queue its body will be streamed into. The queue is closed and
// empty for requests without a body; otherwise it is open and the caller
// feeds it with CopyRequestBody after the session was submitted. A declared
// Content-Length over maxBody (MaxRequestBodySize when maxBody <= 0) is
// rejected with a 413 RequestError.
//
// Header fields are copied in sorted name order since net/http does not keep
// the wire order.
func ParseHTTPRequest(r *http.Request, maxBody int64) (*types.Request, *chunkqueue.Queue, error) {
	if maxBody <= 0 {
		maxBody = MaxRequestBodySize
	}
	if r.ContentLength > maxBody {
		return nil, nil, tooLarge(maxBody)
	}

	hasBody := r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0

	req := types.NewRequest(r.Method, r.URL.RequestURI())
	req.ID = ExtractRequestID(r)
	req.ProtoMajor, req.ProtoMinor = r.ProtoMajor, r.ProtoMinor
	req.Host = r.Host
	req.TLS = r.TLS != nil
	req.ContentLength = r.ContentLength
	// net/http drops the chunked coding and reports an unknown length.
	req.Chunked = hasBody && r.ContentLength < 0

	for _, name := range slices.Sorted(maps.Keys(r.Header)) {
		for _, v := range r.Header[name] {
			req.Header.Add(name, v)
		}
	}

	req.RemoteAddr, req.RemotePort = splitHostPort(r.RemoteAddr)
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		req.ServerAddr, req.ServerPort = splitHostPort(addr.String())
	}
	if user, _, ok := r.BasicAuth(); ok {
		req.RemoteUser = user
	}

	body := chunkqueue.New()
	if !hasBody {
		body.Close()
	}
	return req, body, nil
}

// requestBodyChunk bounds the pieces a streamed body is handed over in.
const requestBodyChunk = 16 * 1024

// BodySink receives the request body of a running session. *Loop implements
// it.
type BodySink interface {
	// WriteBody appends p to the body of c. p may be reused on return.
	WriteBody(c *Conn, p []byte) error

	// CloseBody ends the body of c. A non-nil err fails the session.
	CloseBody(c *Conn, err error) error
}

// CopyRequestBody streams r into the body of session c until end of stream
// and returns the number of bytes forwarded. More than maxBody bytes
// (MaxRequestBodySize when maxBody <= 0) fail the session with a 413
// RequestError, a read error fails it with 400.
func CopyRequestBody(sink BodySink, c *Conn, r io.Reader, maxBody int64) (int64, error) {
	if maxBody <= 0 {
		maxBody = MaxRequestBodySize
	}

	buf := make([]byte, requestBodyChunk)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBody {
				reqErr := tooLarge(maxBody)
				_ = sink.CloseBody(c, reqErr)
				return total, reqErr
			}
			if werr := sink.WriteBody(c, buf[:n]); werr != nil {
				return total, werr
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			return total, sink.CloseBody(c, nil)
		case err != nil:
			reqErr := bodyReadError(err)
			_ = sink.CloseBody(c, reqErr)
			return total, reqErr
		}
	}
}

func bodyReadError(err error) *RequestError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge(maxErr.Limit)
	}
	return &RequestError{
		Status:  400,
		Message: fmt.Sprintf("failed to read request body: %v", err),
	}
}

// ExtractRequestID extracts the request ID from the X-Request-ID header.
// If the header is not present, it returns an empty string.
func ExtractRequestID(r *http.Request) string {
	return r.Header.Get(RequestIDHeader)
}

func tooLarge(limit int64) *RequestError {
	return &RequestError{
		Status:  413,
		Message: fmt.Sprintf("request body exceeds maximum size of %d bytes", limit),
		Code:    types.CodeRequestTooLarge,
	}
}

func splitHostPort(hostport string) (string, int) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
