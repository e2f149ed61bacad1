package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/fcgi"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/network"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry/logging"
)

const testTimeout = 5 * time.Second

// recorder is a FrontEnd that collects the response. Its fields may be read
// once done is closed.
type recorder struct {
	started  bool
	status   int
	header   types.Header
	body     strings.Builder
	err      error
	restarts int
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) Started(c *Conn) {
	r.started = true
	resp := c.Response()
	r.status = resp.Status
	for _, f := range resp.Header.Fields() {
		r.header.Add(f.Name, f.Value)
	}
}

func (r *recorder) Data(_ *Conn, q *chunkqueue.Queue) bool {
	for ch := q.First(); ch != nil; ch = ch.Next() {
		if ch.Kind() == chunkqueue.MemChunk {
			r.body.Write(ch.Bytes())
			continue
		}
		off, n := ch.FileRange()
		buf := make([]byte, n)
		if _, err := ch.File().OS().ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			r.err = err
		}
		r.body.Write(buf)
	}
	q.Skip(q.Length())
	return true
}

// slowRecorder asks the loop to pause after the first body bytes, like a
// client that stopped reading.
type slowRecorder struct {
	*recorder
	calls  atomic.Int32
	paused chan struct{}
}

func (r *slowRecorder) Data(c *Conn, q *chunkqueue.Queue) bool {
	r.recorder.Data(c, q)
	if r.calls.Add(1) == 1 {
		close(r.paused)
		return false
	}
	return true
}

func (r *recorder) Done(c *Conn, err error) {
	if r.err == nil {
		r.err = err
	}
	if !r.started && err != nil {
		r.status = StatusOf(err)
	}
	r.restarts = c.Restarts()
	close(r.done)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(testTimeout):
		t.Fatal("session did not finish")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	loop *Loop
}

func newHarness(t *testing.T, backends []config.BackendConfig, opts Options, loopOpts LoopOptions) *harness {
	t.Helper()

	mux, err := fdevent.New(fdevent.KindPoll, 0)
	if err != nil {
		t.Fatalf("fdevent.New: %v", err)
	}

	var routes []*Route
	for _, cfg := range backends {
		if cfg.FastCGIMaxPayload == 0 {
			cfg.FastCGIMaxPayload = config.DefaultFastCGIMaxPayload
		}
		r, err := NewRoute(cfg, nil)
		if err != nil {
			t.Fatalf("NewRoute(%s): %v", cfg.Name, err)
		}
		routes = append(routes, r)
	}
	router, err := NewRouter(routes, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if loopOpts.TriggerInterval == 0 {
		loopOpts.TriggerInterval = 10 * time.Millisecond
	}
	loop, err := NewLoop(NewEngine(mux, router, opts), loopOpts)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
		mux.Close()
	})
	return &harness{loop: loop}
}

func (h *harness) submit(t *testing.T, req *types.Request, body string) (*Conn, *recorder) {
	t.Helper()

	q := chunkqueue.New()
	if body != "" {
		q.AppendString(body)
		req.ContentLength = int64(len(body))
	}
	q.Close()
	rec := newRecorder()
	c := NewConn(context.Background(), req, q, rec)
	if err := h.loop.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return c, rec
}

func (h *harness) do(t *testing.T, req *types.Request, body string) *recorder {
	t.Helper()
	_, rec := h.submit(t, req, body)
	rec.wait(t)
	return rec
}

func (h *harness) snapshot(t *testing.T, name string) backend.Snapshot {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	snaps, err := h.loop.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, s := range snaps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no snapshot for backend %q", name)
	return backend.Snapshot{}
}

func (h *harness) eventually(t *testing.T, name string, cond func(backend.Snapshot) bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond(h.snapshot(t, name)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend %q never reached the expected state: %+v", name, h.snapshot(t, name))
}

func newRequest(method, uri string) *types.Request {
	req := types.NewRequest(method, uri)
	req.Host = "example.test"
	req.RemoteAddr = "192.0.2.10"
	req.RemotePort = 40000
	return req
}

func serverAddress(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

func closedAddress(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestEngine_HTTPKeepAlive(t *testing.T) {
	var newConns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Host", r.Header.Get("X-Host"))
		w.Header().Set("X-Seen-Forwarded", r.Header.Get("X-Forwarded-For"))
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.Path)
	}))
	srv.Config.ConnState = func(_ net.Conn, s http.ConnState) {
		if s == http.StateNew {
			newConns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
		KeepAlive: true,
	}}, Options{}, LoopOptions{})

	for _, path := range []string{"/first", "/second"} {
		rec := h.do(t, newRequest("GET", path), "")
		if rec.err != nil {
			t.Fatalf("%s: err = %v", path, rec.err)
		}
		if rec.status != 200 {
			t.Errorf("%s: status = %d, want 200", path, rec.status)
		}
		if got, want := rec.body.String(), "GET "+path; got != want {
			t.Errorf("%s: body = %q, want %q", path, got, want)
		}
		if got := rec.header.Get("X-Seen-Host"); got != "example.test" {
			t.Errorf("%s: X-Host seen by backend = %q", path, got)
		}
		if got := rec.header.Get("X-Seen-Forwarded"); got != "192.0.2.10" {
			t.Errorf("%s: X-Forwarded-For seen by backend = %q", path, got)
		}
	}

	if got := newConns.Load(); got != 1 {
		t.Errorf("backend connections = %d, want 1", got)
	}
	s := h.snapshot(t, "app")
	if s.Pool[backend.ConnIdle.String()] != 1 {
		t.Errorf("idle connections = %d, want 1", s.Pool[backend.ConnIdle.String()])
	}
}

func TestEngine_RequestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(strings.ToUpper(string(body))))
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("POST", "/upload"), "payload bytes")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if rec.status != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.status)
	}
	if got := rec.body.String(); got != "PAYLOAD BYTES" {
		t.Errorf("body = %q", got)
	}
}

func TestEngine_StreamedRequestBody(t *testing.T) {
	firstPart := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		head := make([]byte, len("hello "))
		if _, err := io.ReadFull(r.Body, head); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		close(firstPart)
		rest, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s%s", head, rest)
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
	}}, Options{}, LoopOptions{})

	req := newRequest("POST", "/upload")
	req.Chunked = true
	rec := newRecorder()
	c := NewConn(context.Background(), req, chunkqueue.New(), rec)
	if err := h.loop.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.loop.WriteBody(c, []byte("hello ")); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}

	// The backend holds the first part before the rest exists.
	select {
	case <-firstPart:
	case <-time.After(testTimeout):
		t.Fatal("first body part never reached the backend")
	}
	if err := h.loop.WriteBody(c, []byte("streamed world")); err != nil {
		t.Fatalf("WriteBody: %v", err)
	}
	if err := h.loop.CloseBody(c, nil); err != nil {
		t.Fatalf("CloseBody: %v", err)
	}
	rec.wait(t)

	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if got := rec.body.String(); got != "hello streamed world" {
		t.Errorf("body = %q", got)
	}
}

func TestEngine_RequestBodyFailure(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		io.ReadAll(r.Body)
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
	}}, Options{}, LoopOptions{})

	req := newRequest("PUT", "/file")
	req.Chunked = true
	rec := newRecorder()
	c := NewConn(context.Background(), req, chunkqueue.New(), rec)
	if err := h.loop.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("request never reached the backend")
	}
	if err := h.loop.CloseBody(c, tooLarge(8)); err != nil {
		t.Fatalf("CloseBody: %v", err)
	}
	rec.wait(t)

	if rec.status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.status)
	}
	var reqErr *RequestError
	if !errors.As(rec.err, &reqErr) {
		t.Errorf("err = %v, want a *RequestError", rec.err)
	}
}

func TestEngine_NoReplayAfterBodySent(t *testing.T) {
	// The backend swallows the whole request and hangs up without answering.
	var accepted atomic.Int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			var got []byte
			buf := make([]byte, 4096)
			conn.SetReadDeadline(time.Now().Add(time.Second))
			for !strings.HasSuffix(string(got), "payload") {
				n, err := conn.Read(buf)
				got = append(got, buf[:n]...)
				if err != nil {
					break
				}
			}
			conn.Close()
		}
	}()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{ln.Addr().String()},
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("POST", "/once"), "payload")
	if !errors.Is(rec.err, ErrBackendClosed) {
		t.Errorf("err = %v, want ErrBackendClosed", rec.err)
	}
	if rec.status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.status)
	}
	if rec.restarts != 0 {
		t.Errorf("restarts = %d, want 0", rec.restarts)
	}
	if n := accepted.Load(); n != 1 {
		t.Errorf("backend saw %d connections, want 1", n)
	}
}

func TestEngine_PausedBackendReads(t *testing.T) {
	payload := strings.Repeat("x", 512*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		io.WriteString(w, payload)
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
	}}, Options{ReadBudget: 16 * 1024}, LoopOptions{})

	rec := &slowRecorder{recorder: newRecorder(), paused: make(chan struct{})}
	c := NewConn(context.Background(), newRequest("GET", "/big"), nil, rec)
	if err := h.loop.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-rec.paused:
	case <-time.After(testTimeout):
		t.Fatal("front end never received body bytes")
	}

	// While paused the backend socket is not watched and no data arrives.
	time.Sleep(50 * time.Millisecond)
	interest := make(chan fdevent.Event, 1)
	h.loop.Post(func() {
		if c.backend == nil {
			interest <- fdevent.EventIn
			return
		}
		interest <- h.loop.mux.Interest(c.backend.FD)
	})
	if got := <-interest; got != 0 {
		t.Errorf("backend interest while paused = %v, want none", got)
	}
	if n := rec.calls.Load(); n != 1 {
		t.Errorf("Data called %d times while paused", n)
	}

	h.loop.Resume(c)
	rec.wait(t)
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if got := rec.body.Len(); got != len(payload) {
		t.Errorf("body = %d bytes, want %d", got, len(payload))
	}
}

func TestEngine_HeadWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "11")
		w.Write([]byte("not for you"))
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{serverAddress(srv)},
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("HEAD", "/"), "")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if rec.body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.body.String())
	}
}

func TestEngine_FailoverToNextAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "second")
	}))
	defer srv.Close()

	dead := closedAddress(t)
	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{dead, serverAddress(srv)},
		Balancer:  "failover",
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("GET", "/"), "")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if got := rec.body.String(); got != "second" {
		t.Errorf("body = %q, want %q", got, "second")
	}
	if rec.restarts != 1 {
		t.Errorf("restarts = %d, want 1", rec.restarts)
	}

	s := h.snapshot(t, "app")
	if got := s.Addresses[0].State; got != backend.AddressDisabled.String() {
		t.Errorf("refusing address state = %q, want disabled", got)
	}
	if got := s.Addresses[1].State; got != backend.AddressActive.String() {
		t.Errorf("live address state = %q, want active", got)
	}

	// The disabled address is skipped without another restart.
	rec = h.do(t, newRequest("GET", "/"), "")
	if rec.err != nil || rec.restarts != 0 {
		t.Errorf("second request: err = %v, restarts = %d", rec.err, rec.restarts)
	}
}

func TestEngine_Backlog(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	h := newHarness(t, []config.BackendConfig{{
		Name:        "app",
		Addresses:   []string{serverAddress(srv)},
		MaxPoolSize: 1,
		KeepAlive:   true,
	}}, Options{}, LoopOptions{})

	_, first := h.submit(t, newRequest("GET", "/one"), "")
	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("first request never reached the backend")
	}
	_, second := h.submit(t, newRequest("GET", "/two"), "")

	h.eventually(t, "app", func(s backend.Snapshot) bool { return s.Backlog == 1 })

	close(release)
	first.wait(t)
	second.wait(t)

	for name, rec := range map[string]*recorder{"/one": first, "/two": second} {
		if rec.err != nil {
			t.Errorf("%s: err = %v", name, rec.err)
		}
		if got := rec.body.String(); got != name {
			t.Errorf("%s: body = %q", name, got)
		}
	}
	if s := h.snapshot(t, "app"); s.Backlog != 0 {
		t.Errorf("backlog = %d, want 0", s.Backlog)
	}
}

func TestEngine_BacklogTimeout(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	clock := newFakeClock()
	h := newHarness(t, []config.BackendConfig{{
		Name:        "app",
		Addresses:   []string{serverAddress(srv)},
		MaxPoolSize: 1,
	}}, Options{BacklogTimeout: time.Second}, LoopOptions{Clock: clock.Now})

	h.submit(t, newRequest("GET", "/slow"), "")
	<-entered
	_, waiting := h.submit(t, newRequest("GET", "/waiting"), "")
	h.eventually(t, "app", func(s backend.Snapshot) bool { return s.Backlog == 1 })

	clock.Advance(2 * time.Second)
	waiting.wait(t)

	if !errors.Is(waiting.err, ErrBacklogTimeout) {
		t.Errorf("err = %v, want ErrBacklogTimeout", waiting.err)
	}
	if waiting.status != 503 {
		t.Errorf("status = %d, want 503", waiting.status)
	}
}

func TestEngine_BacklogOrderAcrossCooldown(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Path)
		mu.Unlock()
		io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()

	// The first connect is refused, which disables the only address.
	var dials atomic.Int32
	dial := func(sa unix.Sockaddr) (int, bool, error) {
		if dials.Add(1) == 1 {
			return -1, false, unix.ECONNREFUSED
		}
		return network.Dial(sa)
	}

	clock := newFakeClock()
	h := newHarness(t, []config.BackendConfig{{
		Name:        "app",
		Addresses:   []string{serverAddress(srv)},
		MaxPoolSize: 1,
	}}, Options{Dial: dial}, LoopOptions{Clock: clock.Now})

	_, b := h.submit(t, newRequest("GET", "/B"), "")
	h.eventually(t, "app", func(s backend.Snapshot) bool { return s.Backlog == 1 })
	_, c := h.submit(t, newRequest("GET", "/C"), "")
	h.eventually(t, "app", func(s backend.Snapshot) bool { return s.Backlog == 2 })

	// A maintenance pass during the cooldown must not reorder the waiters.
	clock.Advance(20 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	if s := h.snapshot(t, "app"); s.Backlog != 2 {
		t.Fatalf("backlog = %d during cooldown, want 2", s.Backlog)
	}

	clock.Advance(backend.RefusedCooldown + time.Second)
	b.wait(t)
	c.wait(t)

	for name, rec := range map[string]*recorder{"/B": b, "/C": c} {
		if rec.err != nil {
			t.Errorf("%s: err = %v", name, rec.err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got := fmt.Sprint(seen); got != "[/B /C]" {
		t.Errorf("backend saw %s, want [/B /C]", got)
	}
}

func TestEngine_ConnectTimeout(t *testing.T) {
	var pipes [][2]int
	var mu sync.Mutex
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range pipes {
			unix.Close(p[1])
		}
	})

	// A pipe read end never reports writability, like a connect that hangs.
	dial := func(unix.Sockaddr) (int, bool, error) {
		var p [2]int
		if err := unix.Pipe(p[:]); err != nil {
			return -1, false, err
		}
		unix.SetNonblock(p[0], true)
		mu.Lock()
		pipes = append(pipes, p)
		mu.Unlock()
		return p[0], false, nil
	}

	clock := newFakeClock()
	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{"127.0.0.1:9"},
	}}, Options{ConnectTimeout: time.Second, Dial: dial}, LoopOptions{Clock: clock.Now})

	_, rec := h.submit(t, newRequest("GET", "/"), "")
	h.eventually(t, "app", func(s backend.Snapshot) bool {
		return s.Pool[backend.ConnConnecting.String()] == 1
	})

	clock.Advance(2 * time.Second)
	rec.wait(t)

	if !errors.Is(rec.err, ErrConnectTimeout) {
		t.Errorf("err = %v, want ErrConnectTimeout", rec.err)
	}
	if rec.status != 504 {
		t.Errorf("status = %d, want 504", rec.status)
	}
	if s := h.snapshot(t, "app"); s.Pool[backend.ConnConnecting.String()] != 0 {
		t.Errorf("connecting = %d after timeout", s.Pool[backend.ConnConnecting.String()])
	}
}

// rawBackend answers every connection with reply and closes it.
func rawBackend(t *testing.T, reply string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				conn.SetReadDeadline(time.Now().Add(time.Second))
				conn.Read(buf)
				io.WriteString(conn, reply)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestEngine_BackendFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
	}{
		{name: "not http", reply: "SSH-2.0-OpenSSH\r\n\r\n", wantErr: ErrMalformedResponse},
		{name: "bad chunk", reply: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", wantErr: ErrMalformedResponse},
		{name: "truncated body", reply: "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort", wantErr: ErrBackendClosed},
		{name: "truncated head", reply: "HTTP/1.1 200 OK\r\nContent-", wantErr: ErrBackendClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []config.BackendConfig{{
				Name:      "app",
				Addresses: []string{rawBackend(t, tt.reply)},
			}}, Options{}, LoopOptions{})

			rec := h.do(t, newRequest("GET", "/"), "")
			if !errors.Is(rec.err, tt.wantErr) {
				t.Errorf("err = %v, want %v", rec.err, tt.wantErr)
			}
			if StatusOf(rec.err) != 502 {
				t.Errorf("StatusOf = %d, want 502", StatusOf(rec.err))
			}
		})
	}
}

func TestEngine_ReadClosedRestarts(t *testing.T) {
	// The first connection is closed without an answer; the retry gets one.
	var calls atomic.Int32
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 4096)
			conn.SetReadDeadline(time.Now().Add(time.Second))
			conn.Read(buf)
			if calls.Add(1) > 1 {
				io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			}
			conn.Close()
		}
	}()

	h := newHarness(t, []config.BackendConfig{{
		Name:      "app",
		Addresses: []string{ln.Addr().String()},
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("GET", "/"), "")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if rec.body.String() != "ok" || rec.restarts != 1 {
		t.Errorf("body = %q, restarts = %d", rec.body.String(), rec.restarts)
	}
}

func TestEngine_FastCGI(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fcgi.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Script", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "%s:%s", r.Method, body)
	}))

	h := newHarness(t, []config.BackendConfig{{
		Name:      "php",
		Protocol:  "fastcgi",
		Addresses: []string{ln.Addr().String()},
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("POST", "/index.php?x=1"), "form=data")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if rec.status != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.status)
	}
	if got := rec.body.String(); got != "POST:form=data" {
		t.Errorf("body = %q", got)
	}
	if got := rec.header.Get("X-Script"); got != "/index.php" {
		t.Errorf("X-Script = %q", got)
	}
}

func TestEngine_XSendfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "download.txt")
	if err := os.WriteFile(path, []byte("file contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.Header().Set("X-Sendfile", filepath.Join(filepath.Dir(path), "nope"))
		default:
			w.Header().Set("X-Sendfile", path)
		}
		w.Header().Set("X-Backend", "yes")
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:           "app",
		Addresses:      []string{serverAddress(srv)},
		AllowXSendfile: true,
	}}, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("GET", "/file"), "")
	if rec.err != nil {
		t.Fatalf("err = %v", rec.err)
	}
	if got := rec.body.String(); got != "file contents" {
		t.Errorf("body = %q", got)
	}
	if got := rec.header.Get("Content-Length"); got != "13" {
		t.Errorf("Content-Length = %q, want 13", got)
	}
	if rec.header.Get("X-Backend") != "yes" {
		t.Error("backend header lost")
	}
	if rec.header.Has("X-Sendfile") {
		t.Error("X-Sendfile leaked to the client")
	}
	if rec.header.Get("ETag") == "" {
		t.Error("ETag not set")
	}

	rec = h.do(t, newRequest("GET", "/missing"), "")
	if rec.status != 404 {
		t.Errorf("missing file status = %d, want 404 (err %v)", rec.status, rec.err)
	}
}

func TestEngine_XRewrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			w.Header().Set("X-Rewrite-URI", "/new")
			w.Header().Set("X-Rewrite-Host", "rewritten.test")
		case "/loop":
			w.Header().Set("X-Rewrite-URI", "/loop")
		default:
			fmt.Fprintf(w, "%s%s", r.Host, r.URL.Path)
		}
	}))
	defer srv.Close()

	h := newHarness(t, []config.BackendConfig{{
		Name:          "app",
		Addresses:     []string{serverAddress(srv)},
		AllowXRewrite: true,
	}}, Options{MaxInternalRedirects: 3}, LoopOptions{})

	t.Run("followed", func(t *testing.T) {
		rec := h.do(t, newRequest("GET", "/old"), "")
		if rec.err != nil {
			t.Fatalf("err = %v", rec.err)
		}
		if got := rec.body.String(); got != "rewritten.test/new" {
			t.Errorf("body = %q", got)
		}
		if rec.restarts != 1 {
			t.Errorf("restarts = %d, want 1", rec.restarts)
		}
	})

	t.Run("loop", func(t *testing.T) {
		rec := h.do(t, newRequest("GET", "/loop"), "")
		if !errors.Is(rec.err, ErrRedirectLoop) {
			t.Errorf("err = %v, want ErrRedirectLoop", rec.err)
		}
		if rec.status != 502 {
			t.Errorf("status = %d, want 502", rec.status)
		}
	})
}

func TestEngine_NoRoute(t *testing.T) {
	h := newHarness(t, nil, Options{}, LoopOptions{})

	rec := h.do(t, newRequest("GET", "/"), "")
	if !errors.Is(rec.err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", rec.err)
	}
	if rec.status != 404 {
		t.Errorf("status = %d, want 404", rec.status)
	}
}

func TestLoop_AbortAndShutdown(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	mux, err := fdevent.New(fdevent.KindPoll, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer mux.Close()
	route, err := NewRoute(config.BackendConfig{Name: "app", Addresses: []string{serverAddress(srv)}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	router, _ := NewRouter([]*Route{route}, nil)
	loop, err := NewLoop(NewEngine(mux, router, Options{Logger: logging.Discard()}), LoopOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- loop.Run(ctx) }()

	aborted := newRecorder()
	c := NewConn(context.Background(), newRequest("GET", "/a"), nil, aborted)
	if err := loop.Submit(c); err != nil {
		t.Fatal(err)
	}
	<-entered
	loop.Abort(c)
	aborted.wait(t)
	if !errors.Is(aborted.err, ErrAborted) {
		t.Errorf("aborted err = %v", aborted.err)
	}

	running := newRecorder()
	if err := loop.Submit(NewConn(context.Background(), newRequest("GET", "/b"), nil, running)); err != nil {
		t.Fatal(err)
	}
	<-entered
	if loop.Active() != 1 {
		t.Errorf("Active = %d, want 1", loop.Active())
	}

	cancel()
	running.wait(t)
	if !errors.Is(running.err, ErrShutdown) {
		t.Errorf("running err = %v, want ErrShutdown", running.err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Run: %v", err)
	}
	if err := loop.Submit(NewConn(context.Background(), newRequest("GET", "/c"), nil, newRecorder())); !errors.Is(err, ErrShutdown) {
		t.Errorf("Submit after shutdown = %v, want ErrShutdown", err)
	}
}

func TestNewConn_RequestID(t *testing.T) {
	req := types.NewRequest("GET", "/")
	c := NewConn(context.Background(), req, nil, newRecorder())
	if c.ID == "" || req.ID != c.ID {
		t.Errorf("ID = %q, request ID = %q", c.ID, req.ID)
	}

	req = types.NewRequest("GET", "/")
	req.ID = "fixed"
	if c := NewConn(context.Background(), req, nil, newRecorder()); c.ID != "fixed" {
		t.Errorf("ID = %q, want fixed", c.ID)
	}
}
