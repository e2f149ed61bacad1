package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/filecache"
	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry/logging"
	"mercator-hq/conduit/pkg/telemetry/tracing"
)

// DefaultTriggerInterval is the period of Engine.Trigger.
const DefaultTriggerInterval = time.Second

// LoopOptions configures a Loop.
type LoopOptions struct {
	// TriggerInterval is the maintenance period.
	TriggerInterval time.Duration

	// Files serves X-Sendfile redirects. A private cache is created when
	// nil.
	Files *filecache.Cache

	// Clock replaces time.Now.
	Clock func() time.Time

	Logger *logging.Logger
}

// Loop is the single goroutine that owns an Engine and its multiplexer.
// Other goroutines talk to it through Submit, Abort and Post.
type Loop struct {
	engine   *Engine
	mux      *fdevent.Multiplexer
	waker    *fdevent.Waker
	files    *filecache.Cache
	ownFiles bool
	clock    func() time.Time
	interval time.Duration
	logger   *logging.Logger

	lastTrigger time.Time

	mu     sync.Mutex
	posted []func()
	closed bool

	ready    []*Conn
	sessions map[*Conn]struct{}
	active   atomic.Int64
}

// NewLoop wires a loop to engine.
func NewLoop(engine *Engine, opts LoopOptions) (*Loop, error) {
	if opts.TriggerInterval <= 0 {
		opts.TriggerInterval = DefaultTriggerInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = engine.logger
	}

	l := &Loop{
		engine:   engine,
		mux:      engine.mux,
		files:    opts.Files,
		clock:    opts.Clock,
		interval: opts.TriggerInterval,
		logger:   logger,
		sessions: make(map[*Conn]struct{}),
	}
	if l.files == nil {
		files, err := filecache.New(filecache.Config{OnLookup: engine.metrics.RecordFileCache}, logger.Slog())
		if err != nil {
			return nil, err
		}
		l.files, l.ownFiles = files, true
	}

	waker, err := fdevent.NewWaker(engine.mux, nil)
	if err != nil {
		if l.ownFiles {
			l.files.Close()
		}
		return nil, fmt.Errorf("failed to create loop waker: %w", err)
	}
	l.waker = waker

	engine.notify = l.enqueue
	engine.now = l.clock()
	l.lastTrigger = engine.now
	return l, nil
}

// Engine returns the loop's engine. Its methods may only be called from
// functions passed to Post.
func (l *Loop) Engine() *Engine { return l.engine }

// Active returns the number of running sessions. Safe from any goroutine.
func (l *Loop) Active() int { return int(l.active.Load()) }

// Post runs fn on the loop goroutine. It fails with ErrShutdown once the
// loop stopped.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrShutdown
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()

	if err := l.waker.Wake(); err != nil {
		l.logger.Warn("failed to wake proxy loop", "error", err)
	}
	return nil
}

// Submit starts session c. Its front end is called on the loop goroutine
// from then on.
func (l *Loop) Submit(c *Conn) error {
	return l.Post(func() { l.start(c) })
}

// Abort ends c with ErrAborted unless it already finished.
func (l *Loop) Abort(c *Conn) {
	_ = l.Post(func() { l.abort(c) })
}

// WriteBody implements BodySink. p is copied before it is handed to the
// loop.
func (l *Loop) WriteBody(c *Conn, p []byte) error {
	data := bytes.Clone(p)
	return l.Post(func() { l.engine.appendBody(c, data, false) })
}

// CloseBody implements BodySink. A failed body ends the session with the
// status of a *RequestError, or 400.
func (l *Loop) CloseBody(c *Conn, err error) error {
	return l.Post(func() {
		if err == nil {
			l.engine.appendBody(c, nil, true)
			return
		}
		if _, ok := l.sessions[c]; !ok || c.done {
			return
		}
		status := 400
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			status = reqErr.Status
		}
		l.finish(c, &GatewayError{Status: status, Err: err})
	})
}

// Resume continues a session whose front end paused it from Data.
func (l *Loop) Resume(c *Conn) {
	_ = l.Post(func() {
		if !c.done && c.paused {
			l.engine.resume(c)
		}
	})
}

// Snapshot returns the state of every backend.
func (l *Loop) Snapshot(ctx context.Context) ([]backend.Snapshot, error) {
	ch := make(chan []backend.Snapshot, 1)
	err := l.Post(func() {
		var out []backend.Snapshot
		for _, r := range l.engine.router.Routes() {
			out = append(out, r.Backend.Snapshot())
		}
		ch <- out
	})
	if err != nil {
		return nil, err
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run serves the loop until ctx is cancelled. Sessions still running then
// end with ErrShutdown and pooled connections are closed.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.waker.Wake() })
	defer stop()

	l.logger.Info("proxy loop started",
		"event_handler", l.mux.Kind().String(),
		"backends", len(l.engine.router.Routes()),
	)

	var err error
	for ctx.Err() == nil {
		if err = l.RunOnce(l.interval); err != nil {
			break
		}
	}
	l.shutdown()
	l.logger.Info("proxy loop stopped")
	return err
}

// RunOnce runs one loop iteration, waiting at most timeout for events.
func (l *Loop) RunOnce(timeout time.Duration) error {
	l.tick()
	if len(l.ready) > 0 || l.pending() {
		timeout = 0
	}
	next := l.lastTrigger.Add(l.interval).Sub(l.engine.now)
	if timeout < 0 || next < timeout {
		timeout = max(next, 0)
	}

	if _, err := l.mux.Poll(timeout); err != nil {
		return err
	}

	l.tick()
	l.runPosted()
	l.runReady()

	if l.engine.now.Sub(l.lastTrigger) >= l.interval {
		l.lastTrigger = l.engine.now
		l.engine.Trigger(l.engine.now)
		l.files.Sweep(l.engine.now)
		l.engine.metrics.UpdateFileCacheSize(l.files.Len())
		l.runReady()
	}
	return nil
}

func (l *Loop) tick() {
	l.engine.now = l.clock()
}

func (l *Loop) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) > 0
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (l *Loop) enqueue(c *Conn) {
	if c.queued || c.done {
		return
	}
	c.queued = true
	l.ready = append(l.ready, c)
}

func (l *Loop) runReady() {
	for len(l.ready) > 0 {
		batch := l.ready
		l.ready = nil
		for _, c := range batch {
			c.queued = false
			if !c.done && !c.paused {
				l.drive(c)
			}
		}
	}
}

func (l *Loop) start(c *Conn) {
	if l.closed {
		c.done = true
		c.front.Done(c, ErrShutdown)
		return
	}
	c.started = l.engine.now
	ctx, span := l.engine.tracer.Start(c.ctx, "proxy.session", trace.WithSpanKind(trace.SpanKindClient))
	c.ctx, c.span = ctx, span
	tracing.SetRequestAttributes(span, c.ID, c.Request.Method, c.Request.URI, c.Request.Host)
	if span.SpanContext().IsValid() && c.Request.Header != nil {
		tracing.Inject(ctx, c.Request.Header)
	}

	l.sessions[c] = struct{}{}
	l.active.Add(1)
	l.drive(c)
}

// drive calls Handle until the session blocks or ends, delivering output to
// the front end in between.
func (l *Loop) drive(c *Conn) {
	for !c.done {
		switch l.engine.Handle(c) {
		case ResultWait:
			return
		case ResultGoOn:
			l.deliver(c)
			if c.paused {
				return
			}
		case ResultFinished:
			l.deliver(c)
			l.finish(c, nil)
			return
		case ResultComeback:
			if !l.redirect(c) {
				return
			}
		case ResultError:
			l.finish(c, c.err)
			return
		}
	}
}

func (l *Loop) deliver(c *Conn) {
	if !c.headSent {
		c.headSent = true
		c.front.Started(c)
	}
	if q := c.ex.Recv; !q.IsEmpty() {
		if !c.front.Data(c, q) {
			l.engine.pause(c)
		}
		q.RemoveFinished()
	}
}

func (l *Loop) finish(c *Conn, err error) {
	c.done = true
	md := c.Metadata(l.engine.now, err)
	l.engine.Reset(c)
	if _, ok := l.sessions[c]; ok {
		delete(l.sessions, c)
		l.active.Add(-1)
	}

	route := ""
	if c.route != nil {
		route = c.route.Name
	}
	l.engine.metrics.RecordRequest(route, md.Status, md.Duration)
	tracing.SetResponseAttributes(c.span, md.Status, c.restarts)
	tracing.SetStatus(c.span, err)
	c.span.End()

	switch {
	case err == nil:
		l.logger.Debug("proxy session finished", md.LogAttrs()...)
	case errors.Is(err, ErrAborted), errors.Is(err, ErrShutdown):
		l.logger.Debug("proxy session aborted", md.LogAttrs()...)
	default:
		l.logger.Warn("proxy session failed", append(md.LogAttrs(), "error", err)...)
	}

	c.front.Done(c, err)
}

func (l *Loop) abort(c *Conn) {
	if c.done {
		return
	}
	if _, ok := l.sessions[c]; !ok {
		return
	}
	l.finish(c, ErrAborted)
}

// redirect follows the internal redirect of a finished response head and
// reports whether the session should be driven again.
func (l *Loop) redirect(c *Conn) bool {
	rd := c.ex.InternalRedirect
	c.restarts++
	l.engine.metrics.RecordRedirect(c.route.Name, rd.Kind.String())
	if c.restarts > l.engine.opts.MaxInternalRedirects {
		l.finish(c, &GatewayError{Status: 502, Err: ErrRedirectLoop})
		return false
	}

	if rd.Kind == protocol.RedirectSendfile {
		l.sendfile(c, rd.Path)
		return false
	}

	l.engine.Reset(c)
	if c.bodySent {
		// The body went to the first backend and was not kept.
		c.dropBody()
	}
	if rd.URI != "" {
		c.Request.Rewrite(rd.URI)
	}
	if rd.Host != "" {
		c.Request.Host = rd.Host
		c.Request.Header.Set("Host", rd.Host)
	}
	c.ex.InternalRedirect = nil
	c.route = nil
	c.state = StateUnset
	return true
}

// sendfile answers c with a local file named by the backend, keeping the
// backend's status and headers.
func (l *Loop) sendfile(c *Conn, path string) {
	l.engine.Reset(c)

	entry, err := l.files.Get(path, l.engine.now)
	if err != nil {
		status := 500
		switch {
		case errors.Is(err, fs.ErrNotExist):
			status = 404
		case errors.Is(err, fs.ErrPermission), errors.Is(err, filecache.ErrNotRegular):
			status = 403
		}
		l.finish(c, &GatewayError{Status: status, Err: fmt.Errorf("x-sendfile: %w", err)})
		return
	}
	defer entry.Release()

	ex := c.ex
	resp := ex.Response
	resp.Header.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
	if !resp.Header.Has("Content-Type") {
		resp.Header.Set("Content-Type", entry.ContentType)
	}
	resp.Header.Set("ETag", entry.ETag)
	resp.Header.Set("Last-Modified", entry.LastModified())
	resp.ContentLength = entry.Size
	resp.Chunked = false

	if entry.Size > 0 && types.BodyAllowed(c.Request.Method, resp.Status) {
		ex.Recv.AppendFile(entry.File, 0, entry.Size)
	}
	l.deliver(c)
	l.finish(c, nil)
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()

	// Sessions submitted but never started still get their Done call.
	for _, fn := range fns {
		fn()
	}
	for c := range l.sessions {
		l.finish(c, ErrShutdown)
	}

	l.engine.Close()
	if err := l.waker.Close(); err != nil {
		l.logger.Debug("failed to close loop waker", "error", err)
	}
	if l.ownFiles {
		_ = l.files.Close()
	}
}
