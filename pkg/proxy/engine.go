package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/network"
	"mercator-hq/conduit/pkg/telemetry/logging"
	"mercator-hq/conduit/pkg/telemetry/metrics"
	"mercator-hq/conduit/pkg/telemetry/tracing"
)

const (
	// DefaultConnectTimeout bounds a non-blocking backend connect.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultBacklogTimeout bounds the time a session waits for a backend
	// connection.
	DefaultBacklogTimeout = 30 * time.Second

	// DefaultMaxInternalRedirects bounds restarts plus internal redirects
	// per session.
	DefaultMaxInternalRedirects = 8
)

// Dialer starts a non-blocking connect. network.Dial is the default.
type Dialer func(sa unix.Sockaddr) (fd int, connected bool, err error)

// Options configures an Engine.
type Options struct {
	ConnectTimeout       time.Duration
	BacklogTimeout       time.Duration
	MaxInternalRedirects int

	// ReadBudget and WriteBudget bound the bytes moved per socket call.
	ReadBudget  int64
	WriteBudget int64

	Dial Dialer

	Logger  *logging.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
}

// Engine drives proxy sessions against the backends of a Router. It is not
// safe for concurrent use: every method runs on the loop goroutine.
type Engine struct {
	mux     *fdevent.Multiplexer
	router  *Router
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer

	// now is the loop clock, refreshed once per iteration.
	now        time.Time
	connecting map[*Conn]struct{}

	// notify schedules a session for another Handle call.
	notify func(*Conn)
}

// NewEngine returns an engine registering backend sockets on mux.
func NewEngine(mux *fdevent.Multiplexer, router *Router, opts Options) *Engine {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.BacklogTimeout <= 0 {
		opts.BacklogTimeout = DefaultBacklogTimeout
	}
	if opts.MaxInternalRedirects <= 0 {
		opts.MaxInternalRedirects = DefaultMaxInternalRedirects
	}
	if opts.Dial == nil {
		opts.Dial = network.Dial
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Engine{
		mux:        mux,
		router:     router,
		opts:       opts,
		logger:     logger.With("component", "proxy"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		now:        time.Now(),
		connecting: make(map[*Conn]struct{}),
	}
}

// Router returns the engine's router.
func (e *Engine) Router() *Router { return e.router }

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now }

// Handle advances c as far as it can without blocking and reports why it
// stopped.
func (e *Engine) Handle(c *Conn) Result {
	if c.notify == nil {
		c.notify = e.schedule
	}

	for {
		prev := c.state
		var st step
		switch c.state {
		case StateUnset:
			st = e.stateUnset(c)
		case StateConnecting:
			st = e.stateConnecting(c)
		case StateConnected:
			st = e.stateConnected(c)
		case StateWriteHeader:
			st = e.stateWriteHeader(c)
		case StateWriteBody:
			st = e.stateWriteBody(c)
		case StateReadHeader:
			st = e.stateReadHeader(c)
		case StateReadBody:
			st = e.stateReadBody(c)
		case StateFinished:
			st = stepDone
		default:
			st = stepError
		}

		switch st {
		case stepRestart:
			e.restart(c)
		case stepDone:
			c.state = StateFinished
		case stepError:
			c.state = StateError
			if c.err == nil {
				c.err = &GatewayError{Status: 500, Err: errors.New("session failed")}
			}
		}
		if c.state != prev && c.route != nil && c.route.Debug {
			e.logger.InfoContext(c.logContext(), "session state changed", "from", prev.String(), "to", c.state.String())
		}

		switch st {
		case stepSuspend:
			return ResultWait
		case stepOutput:
			return ResultGoOn
		case stepDone:
			if c.ex != nil && c.ex.InternalRedirect != nil {
				return ResultComeback
			}
			return ResultFinished
		case stepError:
			return ResultError
		case stepRestart:
			if c.state == StateError {
				return ResultError
			}
		}
	}
}

// Reset detaches c from its backend. A connection that carried a complete
// response and may be kept alive goes back to the idle set; any other
// connection is closed. One backlogged session of the backend is woken.
// Reset is idempotent until the session is dispatched again.
func (e *Engine) Reset(c *Conn) {
	if c.detached {
		return
	}
	c.detached = true
	delete(e.connecting, c)
	c.revents = 0
	if c.route == nil {
		return
	}

	b := c.route.Backend
	if c.backlogged {
		b.Backlog.Remove(c)
		c.backlogged = false
	}

	if bc := c.backend; bc != nil {
		c.backend = nil
		if e.keepAlive(c, bc) {
			e.makeIdle(c.route, bc)
		} else {
			e.closeConn(b, bc)
		}
	}

	if c.ex != nil {
		c.route.Protocol.StreamCleanup(c.ex)
		c.ex.Release()
	}

	b.Backlog.Wake(1)
}

func (e *Engine) keepAlive(c *Conn, bc *backend.Conn) bool {
	return c.state == StateFinished &&
		bc.State == backend.ConnConnected &&
		c.ex != nil &&
		!c.ex.IsClosing &&
		c.ex.InternalRedirect == nil &&
		c.route.reusable(bc)
}

// Trigger runs the periodic maintenance at now: addresses whose cooldown
// ended are re-activated, closed connections are swept, backlog entries are
// woken within the free capacity or failed once they waited too long, and
// connects past the timeout are scheduled so they fail with 504.
func (e *Engine) Trigger(now time.Time) {
	e.now = now

	for _, r := range e.router.Routes() {
		b := r.Backend
		res := b.Sweep(now)
		if res.Reactivated > 0 {
			e.logger.Info("backend addresses reactivated", "backend", r.Name, "count", res.Reactivated)
		}
		e.expireBacklog(b, now)
		b.Backlog.Wake(min(res.Wake, b.Backlog.Len()))
		e.metrics.UpdateBackend(b.Snapshot())
	}

	for c := range e.connecting {
		if now.Sub(c.connectStart) >= e.opts.ConnectTimeout {
			e.schedule(c)
		}
	}
}

func (e *Engine) expireBacklog(b *backend.Backend, now time.Time) {
	for {
		since, ok := b.Backlog.Oldest()
		if !ok || now.Sub(since) < e.opts.BacklogTimeout {
			return
		}
		c, ok := b.Backlog.Shift().(*Conn)
		if !ok {
			continue
		}
		c.backlogged = false
		c.fail(503, ErrBacklogTimeout)
		c.state = StateError
		e.schedule(c)
	}
}

// Close closes every pooled backend connection.
func (e *Engine) Close() {
	for _, r := range e.router.Routes() {
		var conns []*backend.Conn
		r.Backend.Pool.Each(func(bc *backend.Conn) bool {
			conns = append(conns, bc)
			return true
		})
		for _, bc := range conns {
			e.closeConn(r.Backend, bc)
		}
	}
}

func (e *Engine) schedule(c *Conn) {
	if e.notify != nil {
		e.notify(c)
	}
}

// restart drops the backend connection of c and sends it back to
// StateUnset, or fails it once the restart budget is spent.
func (e *Engine) restart(c *Conn) {
	reason := c.restartReason
	c.restartReason = ""
	delete(e.connecting, c)
	if c.backend != nil {
		e.closeConn(c.route.Backend, c.backend)
		c.backend = nil
	}

	if c.bodySent {
		c.fail(502, fmt.Errorf("%w: %s after the request body was sent", ErrBackendClosed, reason))
		c.state = StateError
		return
	}

	c.restarts++
	e.metrics.RecordRestart(c.route.Name, reason)
	tracing.AddEvent(c.span, "restart",
		attribute.String("reason", reason),
		attribute.Int("restarts", c.restarts),
	)

	if c.restarts > e.opts.MaxInternalRedirects {
		c.fail(502, fmt.Errorf("%w: last restart: %s", ErrRedirectLoop, reason))
		c.state = StateError
		return
	}
	c.state = StateUnset
}

// enqueue parks c in the backlog of its backend. A session that waited
// before, and lost its connection to a failed connect, goes back to its
// original position.
func (e *Engine) enqueue(c *Conn) step {
	if c.queuedAt.IsZero() {
		c.queuedAt = e.now
	}
	if !c.backlogged {
		c.route.Backend.Backlog.Push(c, c.queuedAt)
		c.backlogged = true
	}
	return stepSuspend
}

// appendBody adds request body bytes from the front end to c and ends the
// body on eof. A session waiting to send more body is scheduled.
func (e *Engine) appendBody(c *Conn, p []byte, eof bool) {
	if c.done || c.bodyDropped {
		return
	}
	if len(p) > 0 {
		if !c.bodySent {
			c.body.Append(p)
		}
		if c.ex != nil {
			c.ex.Body.Append(p)
		}
	}
	if eof {
		c.body.Close()
		if c.ex != nil {
			c.ex.Body.Close()
		}
	}
	if c.state == StateWriteBody {
		e.schedule(c)
	}
}

// pause stops reading the backend of c while the front end is behind.
func (e *Engine) pause(c *Conn) {
	c.paused = true
	if c.backend != nil && c.backend.FD >= 0 {
		_ = e.mux.Unwatch(c.backend.FD)
	}
	e.metrics.RecordPause(c.route.Name)
}

func (e *Engine) resume(c *Conn) {
	c.paused = false
	if c.backend != nil && c.backend.FD >= 0 && c.state == StateReadBody {
		if err := e.mux.Watch(c.backend.FD, fdevent.EventIn); err != nil {
			e.logger.WarnContext(c.logContext(), "cannot resume backend reads", "error", err)
		}
	}
	e.schedule(c)
}

func (e *Engine) connectFailed(c *Conn, err error) step {
	addr := c.backend.Address
	cerr := &backend.ConnectError{Address: addr.Name, Err: err}
	cooldown := cerr.Cooldown()
	addr.Disable(e.now, cooldown)

	e.metrics.RecordConnectFailure(c.route.Name, addr.Name)
	e.logger.WarnContext(c.logContext(), "backend address disabled",
		"error", err,
		"cooldown", cooldown,
	)
	c.restartReason = restartConnectFailed
	return stepRestart
}

// onEvent is the multiplexer handler of sockets bound to a session.
func (e *Engine) onEvent(ctx any, revents fdevent.Event) {
	c := ctx.(*Conn)
	c.revents |= revents
	e.schedule(c)
}

type idleConn struct {
	route *Route
	conn  *backend.Conn
}

// onIdle is the multiplexer handler of idle pooled sockets. Any readiness
// means the backend closed the connection or sent unsolicited data, so the
// connection is closed and swept later.
func (e *Engine) onIdle(ctx any, _ fdevent.Event) {
	ic := ctx.(*idleConn)
	bc := ic.conn
	if bc.State != backend.ConnIdle {
		return
	}
	e.logger.Debug("idle backend connection closed", "backend", ic.route.Name, "address", bc.Address.Name)
	_ = e.mux.Unregister(bc.FD)
	network.Close(bc.FD)
	bc.FD = -1
	ic.route.Backend.Pool.MarkClosed(bc)
}

func (e *Engine) makeIdle(r *Route, bc *backend.Conn) {
	_ = e.mux.Unregister(bc.FD)
	r.Backend.Pool.Release(bc)

	err := e.mux.Register(bc.FD, e.onIdle, &idleConn{route: r, conn: bc})
	if err == nil {
		err = e.mux.Watch(bc.FD, fdevent.EventIn)
	}
	if err != nil {
		e.logger.Warn("cannot keep backend connection idle", "backend", r.Name, "error", err)
		e.closeConn(r.Backend, bc)
	}
}

// bind moves the registration of fd to session c.
func (e *Engine) bind(fd int, c *Conn) error {
	if e.mux.Registered(fd) {
		_ = e.mux.Unregister(fd)
	}
	return e.mux.Register(fd, e.onEvent, c)
}

func (e *Engine) closeConn(b *backend.Backend, bc *backend.Conn) {
	if bc.FD >= 0 {
		if e.mux.Registered(bc.FD) {
			_ = e.mux.Unregister(bc.FD)
		}
		network.Close(bc.FD)
		bc.FD = -1
	}
	b.Pool.Remove(bc)
}

func (e *Engine) wait(c *Conn, ev fdevent.Event) step {
	if err := e.mux.Watch(c.backend.FD, ev); err != nil {
		return c.fail(500, err)
	}
	return stepSuspend
}

// logContext is the session context with its request ID, backend and
// address for the *Context log methods.
func (c *Conn) logContext() context.Context {
	ctx := logging.WithRequestID(c.ctx, c.ID)
	if c.route != nil {
		ctx = logging.WithBackend(ctx, c.route.Name)
	}
	if c.backend != nil && c.backend.Address != nil {
		ctx = logging.WithAddress(ctx, c.backend.Address.Name)
	}
	return ctx
}
