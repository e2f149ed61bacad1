// Package protocol defines the contract between the proxy session engine and
// the backend wire codecs.
//
// A codec never touches sockets. It reads and writes the chunk queues of an
// Exchange: the request head and encoded body go to SendRaw, raw backend
// bytes arrive in RecvRaw and the decoded response body leaves through Recv.
// The engine moves SendRaw to the socket and RecvRaw from it.
//
// Codecs are stateless values shared by all sessions of a backend. Per-session
// state lives in Exchange.State, which StreamInit sets up and StreamCleanup
// drops.
package protocol

import (
	"errors"
	"log/slog"
)

// ErrMalformed reports a backend byte stream that violates the wire format.
var ErrMalformed = errors.New("malformed backend stream")

// DecodeStatus is the outcome of one Decode call.
type DecodeStatus int

const (
	// DecodeError means the stream is malformed; the session fails.
	DecodeError DecodeStatus = -1

	// DecodeNeedMore means more backend bytes are needed.
	DecodeNeedMore DecodeStatus = 0

	// DecodeFinished means the response body is complete.
	DecodeFinished DecodeStatus = 1
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeError:
		return "error"
	case DecodeNeedMore:
		return "need-more"
	case DecodeFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ParseStatus is the outcome of one ParseResponseHeader call.
type ParseStatus int

const (
	ParseNeedMore ParseStatus = iota
	ParseError
	ParseSuccess
)

func (s ParseStatus) String() string {
	switch s {
	case ParseNeedMore:
		return "need-more"
	case ParseError:
		return "error"
	case ParseSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Protocol is a backend wire codec.
type Protocol interface {
	// Name returns the configuration name of the codec, e.g. "http".
	Name() string

	// StreamInit prepares ex for a new backend exchange. It is called before
	// every attempt, including restarts.
	StreamInit(ex *Exchange)

	// StreamCleanup drops codec state when the attempt ends.
	StreamCleanup(ex *Exchange)

	// RequestChunk serializes the request head into ex.SendRaw.
	RequestChunk(ex *Exchange) error

	// Encode moves request body bytes from ex.Body to ex.SendRaw with the
	// codec's framing. When the body is closed and fully encoded, including
	// any terminator, Encode closes ex.SendRaw.
	Encode(ex *Exchange) error

	// Decode moves response body bytes from ex.RecvRaw to ex.Recv.
	Decode(ex *Exchange) DecodeStatus

	// ParseResponseHeader consumes the response head from the received
	// bytes and fills ex.Response.
	ParseResponseHeader(ex *Exchange) ParseStatus
}

// DefaultMaxPayload is the largest FastCGI record content length.
const DefaultMaxPayload = 65535

// Options configure the codecs of one backend.
type Options struct {
	// AllowXSendfile honours X-Sendfile and X-LIGHTTPD-Sendfile response
	// headers.
	AllowXSendfile bool

	// AllowXRewrite honours X-Rewrite-URI and X-Rewrite-Host response
	// headers.
	AllowXRewrite bool

	// RequestRewrites and ResponseRewrites apply regex rewrites to header
	// values. Either may be nil.
	RequestRewrites  Rewriter
	ResponseRewrites Rewriter

	// KeepAlive requests a persistent backend connection.
	KeepAlive bool

	// MaxPayload caps FastCGI record content. Zero means DefaultMaxPayload.
	MaxPayload int

	// ServerSoftware is reported as SERVER_SOFTWARE to FastCGI backends.
	ServerSoftware string

	// Logger receives backend diagnostics such as FastCGI stderr output.
	Logger *slog.Logger
}

// Rewriter rewrites a header value. It reports whether a rule matched.
type Rewriter interface {
	Apply(header, value string) (string, bool)
}

// Payload returns the effective FastCGI record content limit.
func (o *Options) Payload() int {
	if o == nil || o.MaxPayload <= 0 || o.MaxPayload > DefaultMaxPayload {
		return DefaultMaxPayload
	}
	return o.MaxPayload
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) rewriteRequest(header, value string) string {
	if o == nil || o.RequestRewrites == nil {
		return value
	}
	v, _ := o.RequestRewrites.Apply(header, value)
	return v
}

func (o *Options) rewriteResponse(header, value string) string {
	if o == nil || o.ResponseRewrites == nil {
		return value
	}
	v, _ := o.ResponseRewrites.Apply(header, value)
	return v
}
