package proxy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/proxy/types"
)

// Result is what Handle reports to the front end.
type Result int

const (
	// ResultGoOn means the response head is ready or body bytes are waiting
	// in the session's output queue. Handle should be called again after
	// they are delivered.
	ResultGoOn Result = iota
	// ResultWait means the session is blocked on a descriptor, a timer or
	// the backlog.
	ResultWait
	// ResultFinished means the response is complete.
	ResultFinished
	// ResultComeback means the backend asked for an internal redirect.
	ResultComeback
	// ResultError means the session failed; Conn.Err describes why.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultGoOn:
		return "go-on"
	case ResultWait:
		return "wait"
	case ResultFinished:
		return "finished"
	case ResultComeback:
		return "comeback"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// FrontEnd receives the output of a session. All calls happen on the loop
// goroutine.
type FrontEnd interface {
	// Started is called once when the response head is available through
	// Conn.Response.
	Started(c *Conn)

	// Data hands over response body bytes. The front end must consume the
	// whole queue, typically by stealing its chunks. It reports whether it
	// can take more; false pauses backend reads until Loop.Resume.
	Data(c *Conn, body *chunkqueue.Queue) bool

	// Done is called once when the session ends. err is nil on success; a
	// *GatewayError before Started means the front end should answer with
	// its status instead.
	Done(c *Conn, err error)
}

// Conn is one proxied request: the session state, the bound backend
// connection and the exchange buffers.
type Conn struct {
	// ID identifies the session in logs and traces.
	ID string

	// Request is the client request. Rewrites modify it in place.
	Request *types.Request

	ctx     context.Context
	span    trace.Span
	front   FrontEnd
	started time.Time

	// body holds the request body received so far for replay on restart.
	// It is dropped once the first body byte went to a backend.
	body        *chunkqueue.Queue
	bodySent    bool
	bodyDropped bool

	route *Route
	state State
	ex    *protocol.Exchange

	backend      *backend.Conn
	connectStart time.Time
	headerLen    int64
	revents      fdevent.Event
	backlogged   bool
	queuedAt     time.Time
	queued       bool
	detached     bool

	// restarts counts restarts and internal redirects.
	restarts      int
	restartReason string
	err           error

	headSent bool
	paused   bool
	done     bool
	notify   func(*Conn)
}

// NewConn creates a session for req. body holds the request body received
// so far; while it is open the session waits for more through a BodySink.
// nil means no body. A missing request ID is filled with a new UUID.
func NewConn(ctx context.Context, req *types.Request, body *chunkqueue.Queue, front FrontEnd) *Conn {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if body == nil {
		body = chunkqueue.New()
		body.Close()
	}
	return &Conn{
		ID:      req.ID,
		Request: req,
		ctx:     ctx,
		span:    trace.SpanFromContext(ctx),
		front:   front,
		body:    body,
	}
}

// Context returns the request context.
func (c *Conn) Context() context.Context { return c.ctx }

// State returns the current session state.
func (c *Conn) State() State { return c.state }

// Response returns the response head, nil before the backend answered.
func (c *Conn) Response() *types.Response {
	if c.ex == nil {
		return nil
	}
	return c.ex.Response
}

// Route returns the route serving the request, nil before selection.
func (c *Conn) Route() *Route { return c.route }

// Err returns the failure of a session that ended with ResultError.
func (c *Conn) Err() error { return c.err }

// Restarts returns the number of restarts and internal redirects so far.
func (c *Conn) Restarts() int { return c.restarts }

// Wake implements backend.Waiter. A backlogged session is scheduled again;
// it stays queued until it binds a connection.
func (c *Conn) Wake() {
	if c.notify != nil {
		c.notify(c)
	}
}

// dropBody forgets a request body that can no longer be replayed. The
// request is sent on without one.
func (c *Conn) dropBody() {
	c.body.Reset()
	c.body.Close()
	c.bodySent = false
	c.bodyDropped = true
	c.Request.ContentLength = 0
	c.Request.Chunked = false
}

func (c *Conn) fail(status int, err error) step {
	c.err = &GatewayError{Status: status, Err: err}
	return stepError
}
