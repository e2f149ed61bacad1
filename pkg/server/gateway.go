package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/network"
	"mercator-hq/conduit/pkg/proxy"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry/logging"
	"mercator-hq/conduit/pkg/vhost"
)

// Submitter runs proxy sessions. *proxy.Loop implements it.
type Submitter interface {
	proxy.BodySink
	Submit(c *proxy.Conn) error
	Abort(c *proxy.Conn)
	Resume(c *proxy.Conn)
}

// bodyHighWater is the amount of response body a session may hold for a
// slow client before backend reads pause.
const bodyHighWater = 256 * 1024

// HostLookup returns the virtual-host entry of a request host.
// *vhost.Store implements it.
type HostLookup interface {
	Lookup(host string) (vhost.Entry, bool)
}

// Gateway is the net/http handler that feeds requests into the proxy loop
// and streams the answers back. Each request is one proxy session; the
// handler goroutine waits on the session while the loop goroutine does the
// backend I/O.
type Gateway struct {
	loop    Submitter
	hosts   HostLookup
	maxBody int64
	logger  *logging.Logger
}

// NewGateway creates a gateway on loop. hosts may be nil.
func NewGateway(loop Submitter, hosts HostLookup, maxBody int64, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		loop:    loop,
		hosts:   hosts,
		maxBody: maxBody,
		logger:  logger.With("component", "gateway"),
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, body, err := proxy.ParseHTTPRequest(r, g.maxBody)
	if err != nil {
		var reqErr *proxy.RequestError
		errResp := types.NewServerError("failed to read request")
		if errors.As(err, &reqErr) {
			errResp = reqErr.ToErrorResponse()
		}
		errResp.Error.RequestID = logging.GetRequestID(ctx)
		_ = proxy.WriteErrorResponse(w, errResp)
		return
	}
	if req.ID == "" {
		req.ID = logging.GetRequestID(ctx)
	}
	if g.hosts != nil {
		if e, ok := g.hosts.Lookup(req.Host); ok && e.DocumentRoot != "" {
			req.DocumentRoot = e.DocumentRoot
		}
	}

	s := newSession()
	c := proxy.NewConn(ctx, req, body, s)
	if err := g.loop.Submit(c); err != nil {
		g.writeError(w, c, &proxy.GatewayError{Status: 503, Err: err})
		return
	}
	if !body.IsClosed() {
		defer g.streamBody(ctx, w, r, c)()
	}

	g.serve(ctx, w, c, s)
}

// streamBody feeds the request body into the running session from its own
// goroutine. The returned function stops it and must run before the handler
// returns, since net/http forbids reading the body after that.
func (g *Gateway) streamBody(ctx context.Context, w http.ResponseWriter, r *http.Request, c *proxy.Conn) func() {
	rc := http.NewResponseController(w)
	// HTTP/1 stops reading the body once the response starts otherwise.
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		g.logger.DebugContext(ctx, "cannot enable full duplex", "error", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := proxy.CopyRequestBody(g.loop, c, r.Body, g.maxBody); err != nil {
			g.logger.DebugContext(ctx, "request body not forwarded completely", "error", err)
		}
	}()

	return func() {
		select {
		case <-done:
			return
		default:
		}
		// Unblock a pending read; the next request on the connection
		// resets the deadline.
		if err := rc.SetReadDeadline(time.Now()); err != nil {
			g.logger.DebugContext(ctx, "cannot interrupt request body read", "error", err)
		}
		<-done
	}
}

func (g *Gateway) serve(ctx context.Context, w http.ResponseWriter, c *proxy.Conn, s *session) {
	local := chunkqueue.New()
	defer local.Reset()

	headWritten := false
	aborted := false
	for {
		var done <-chan struct{}
		if !aborted {
			done = ctx.Done()
		}
		select {
		case <-s.notify:
		case <-done:
			// The session still calls Done; keep waiting for it.
			g.loop.Abort(c)
			aborted = true
			continue
		}

		started, finished, resume, err := s.drain(local)

		if started && !headWritten && !aborted {
			g.writeHead(w, s)
			headWritten = true
		}
		if headWritten && !aborted {
			if err := writeBody(w, local); err != nil {
				g.logger.DebugContext(ctx, "client write failed", "error", err)
				g.loop.Abort(c)
				aborted = true
			}
		}
		local.Reset()
		if resume && !aborted {
			g.loop.Resume(c)
		}

		if !finished {
			continue
		}

		switch {
		case err == nil:
		case !headWritten && errors.Is(err, proxy.ErrAborted) && errors.Is(ctx.Err(), context.DeadlineExceeded):
			g.writeError(w, c, &proxy.GatewayError{Status: 504, Err: ctx.Err()})
		case !headWritten && errors.Is(err, proxy.ErrShutdown):
			g.writeError(w, c, &proxy.GatewayError{Status: 503, Err: err})
		case !headWritten && !errors.Is(err, proxy.ErrAborted):
			g.writeError(w, c, err)
		case headWritten && !aborted:
			// The head is out; only dropping the connection tells the
			// client the body is incomplete.
			panic(http.ErrAbortHandler)
		}
		return
	}
}

func (g *Gateway) writeHead(w http.ResponseWriter, s *session) {
	h := w.Header()
	proxy.CopyResponseHeader(h, s.header)
	if s.contentLength >= 0 && !s.chunked && h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.FormatInt(s.contentLength, 10))
	}
	w.WriteHeader(s.status)
}

func writeBody(w http.ResponseWriter, q *chunkqueue.Queue) error {
	wrote := false
	for ch := q.First(); ch != nil; ch = ch.Next() {
		if ch.Remaining() == 0 {
			continue
		}
		if ch.Kind() == chunkqueue.MemChunk {
			if _, err := w.Write(ch.Bytes()); err != nil {
				return err
			}
		} else if err := writeFile(w, ch); err != nil {
			return err
		}
		wrote = true
	}
	q.Skip(q.Length())
	if wrote {
		if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

// writeFile sends a file chunk. net/http hands an *io.LimitedReader over an
// *os.File to sendfile, so the chunk gets a private descriptor with its own
// offset; where that is not possible the range is copied.
func writeFile(w io.Writer, ch *chunkqueue.Chunk) error {
	src, f, err := network.OpenFileRange(ch)
	if err != nil {
		off, n := ch.FileRange()
		_, err = io.Copy(w, io.NewSectionReader(ch.File().OS(), off, n))
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, src)
	return err
}

func (g *Gateway) writeError(w http.ResponseWriter, c *proxy.Conn, err error) {
	backend := ""
	if r := c.Route(); r != nil {
		backend = r.Name
	}
	_ = proxy.WriteErrorResponse(w, proxy.HandleError(err, c.ID, backend))
}

// session is the proxy.FrontEnd of one request. Its callbacks run on the
// loop goroutine and hand data to the handler goroutine under mu.
type session struct {
	mu     sync.Mutex
	notify chan struct{}

	started       bool
	status        int
	header        *types.Header
	contentLength int64
	chunked       bool

	body     *chunkqueue.Queue
	paused   bool
	finished bool
	err      error
}

func newSession() *session {
	return &session{
		notify: make(chan struct{}, 1),
		body:   chunkqueue.New(),
	}
}

func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Started implements proxy.FrontEnd.
func (s *session) Started(c *proxy.Conn) {
	resp := c.Response()
	s.mu.Lock()
	s.started = true
	s.status = resp.Status
	s.header = resp.Header.Clone()
	s.contentLength = resp.ContentLength
	s.chunked = resp.Chunked
	s.mu.Unlock()
	s.signal()
}

// Data implements proxy.FrontEnd. It asks the loop to pause once the
// client is bodyHighWater bytes behind.
func (s *session) Data(_ *proxy.Conn, q *chunkqueue.Queue) bool {
	s.mu.Lock()
	s.body.StealAll(q)
	more := s.body.Length() < bodyHighWater
	if !more {
		s.paused = true
	}
	s.mu.Unlock()
	s.signal()
	return more
}

// drain moves the buffered body to dst and reports the session state.
// resume is set when the loop paused the session and waits for a Resume.
func (s *session) drain(dst *chunkqueue.Queue) (started, finished, resume bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst.StealAll(s.body)
	resume, s.paused = s.paused, false
	return s.started, s.finished, resume, s.err
}

// Done implements proxy.FrontEnd.
func (s *session) Done(_ *proxy.Conn, err error) {
	s.mu.Lock()
	s.finished = true
	s.err = err
	s.mu.Unlock()
	s.signal()
}
