package protocol

import (
	"log/slog"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/proxy/types"
)

// RedirectKind tells the engine how to continue after a response head that
// asked for an internal redirect.
type RedirectKind int

const (
	RedirectNone RedirectKind = iota
	// RedirectSendfile serves a local file instead of the backend body.
	RedirectSendfile
	// RedirectRewrite dispatches the request again with a new URI and/or
	// host.
	RedirectRewrite
)

func (k RedirectKind) String() string {
	switch k {
	case RedirectSendfile:
		return "sendfile"
	case RedirectRewrite:
		return "rewrite"
	default:
		return "none"
	}
}

// Redirect is the internal redirect requested by a backend.
type Redirect struct {
	Kind RedirectKind

	// Path is the physical file path for RedirectSendfile.
	Path string

	// URI and Host are the new request target for RedirectRewrite. Empty
	// fields keep the current value.
	URI  string
	Host string
}

// Exchange is the codec state of one backend attempt of one session.
type Exchange struct {
	Request  *types.Request
	Response *types.Response
	Options  *Options

	// Header holds the request header fields sent upstream, built by
	// BuildRequestHeaders.
	Header *types.Header

	// URI is the request-target sent upstream after request rewrites.
	URI string

	// SendRaw holds encoded bytes waiting for the backend socket.
	SendRaw *chunkqueue.Queue

	// Body holds the request body not yet encoded.
	Body *chunkqueue.Queue

	// RecvRaw holds bytes read from the backend socket.
	RecvRaw *chunkqueue.Queue

	// Recv holds decoded response body bytes for the front end.
	Recv *chunkqueue.Queue

	// ContentLength is the response Content-Length, -1 when absent.
	ContentLength int64

	// BytesRead counts decoded response body bytes.
	BytesRead int64

	// IsChunked is set when the backend frames the body with chunked
	// transfer coding.
	IsChunked bool

	// IsClosing is set when the backend will close the connection after
	// this response.
	IsClosing bool

	// EOF is set by the engine once the backend closed its end. Codecs that
	// frame the body by connection close finish on it.
	EOF bool

	// SendResponseContent is cleared when the backend body must not reach
	// the client, e.g. on internal redirects.
	SendResponseContent bool

	// InternalRedirect is non-nil when the response head asked for one.
	InternalRedirect *Redirect

	// State is private to the codec.
	State any
}

// NewExchange returns an exchange for req with fresh queues. body may be nil
// for requests without a body; the exchange then gets an empty closed queue.
func NewExchange(req *types.Request, body *chunkqueue.Queue, opts *Options) *Exchange {
	if body == nil {
		body = chunkqueue.New()
		body.Close()
	}
	return &Exchange{
		Request:             req,
		Response:            types.NewResponse(),
		Options:             opts,
		Header:              &types.Header{},
		URI:                 req.URI,
		SendRaw:             chunkqueue.New(),
		Body:                body,
		RecvRaw:             chunkqueue.New(),
		Recv:                chunkqueue.New(),
		ContentLength:       -1,
		SendResponseContent: true,
	}
}

// Reset prepares the exchange for another attempt with body as the request
// body. Queues are dropped and response state is cleared.
func (ex *Exchange) Reset(body *chunkqueue.Queue) {
	ex.SendRaw.Reset()
	ex.RecvRaw.Reset()
	ex.Recv.Reset()
	ex.Body.Reset()
	if body == nil {
		body = chunkqueue.New()
		body.Close()
	}
	ex.Body = body
	ex.Response.Reset()
	ex.Header = &types.Header{}
	ex.URI = ex.Request.URI
	ex.ContentLength = -1
	ex.BytesRead = 0
	ex.IsChunked = false
	ex.IsClosing = false
	ex.EOF = false
	ex.SendResponseContent = true
	ex.InternalRedirect = nil
	ex.State = nil
}

// Release drops every queued chunk and the file references they hold.
func (ex *Exchange) Release() {
	ex.SendRaw.Reset()
	ex.Body.Reset()
	ex.RecvRaw.Reset()
	ex.Recv.Reset()
}

// Logger returns the logger for backend diagnostics.
func (ex *Exchange) Logger() *slog.Logger {
	l := ex.Options.logger()
	if ex.Request != nil && ex.Request.ID != "" {
		l = l.With("request_id", ex.Request.ID)
	}
	return l
}
