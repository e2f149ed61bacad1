package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/conduit/pkg/chunkqueue"
	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/proxy"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry"
	"mercator-hq/conduit/pkg/telemetry/health"
)

func testConfig(backends ...config.BackendConfig) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Engine.EventHandler = "poll"
	cfg.Engine.TriggerInterval = 50 * time.Millisecond
	cfg.Engine.BacklogTimeout = 300 * time.Millisecond
	cfg.Telemetry.Logging.Level = "error"
	cfg.Backends = backends
	config.ApplyDefaults(cfg)
	return cfg
}

func backendFor(name string, srv *httptest.Server) config.BackendConfig {
	return config.BackendConfig{
		Name:      name,
		Addresses: []string{srv.Listener.Addr().String()},
		KeepAlive: true,
	}
}

// startServer runs a server for cfg and returns its base URL.
func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()

	tel, err := telemetry.New(&cfg.Telemetry, health.VersionInfo{Version: "test"})
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}
	s, err := New(context.Background(), cfg, tel)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, err := s.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s, "http://" + addr.String()
}

var noRedirect = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func get(t *testing.T, url, host string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if host != "" {
		req.Host = host
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestServer_Proxy(t *testing.T) {
	requestIDs := make(chan string, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestIDs <- r.Header.Get("X-Request-ID")
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer upstream.Close()

	_, base := startServer(t, testConfig(backendFor("app", upstream)))

	resp, body := get(t, base+"/greeting", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if body != "hello /greeting" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("backend header not forwarded")
	}
	id, gotRequestID := resp.Header.Get("X-Request-ID"), <-requestIDs
	if id == "" || id != gotRequestID {
		t.Errorf("request ID: client %q, backend %q", id, gotRequestID)
	}

	// The second request reuses the kept-alive backend connection.
	if resp, body := get(t, base+"/again", ""); resp.StatusCode != http.StatusOK || body != "hello /again" {
		t.Errorf("second request = %d %q", resp.StatusCode, body)
	}
}

func TestServer_Endpoints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	_, base := startServer(t, testConfig(backendFor("app", upstream)))

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{path: "/health", wantCode: http.StatusOK, contains: `"status"`},
		{path: "/ready", wantCode: http.StatusOK, contains: `"backends"`},
		{path: "/backends", wantCode: http.StatusOK, contains: `"app"`},
		{path: "/metrics", wantCode: http.StatusOK, contains: "conduit_proxy_"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := get(t, base+tt.path, "")
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, body %q", resp.StatusCode, body)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body %q does not contain %q", body, tt.contains)
			}
		})
	}
}

func TestServer_BackendDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	b := backendFor("app", upstream)
	upstream.Close()

	_, base := startServer(t, testConfig(b))

	// The refused address is disabled and the request waits in the backlog
	// until the backlog timeout.
	resp, body := get(t, base+"/", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %q; want 503", resp.StatusCode, body)
	}
	var errResp types.ErrorResponse
	if err := json.Unmarshal([]byte(body), &errResp); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if errResp.Error.RequestID == "" {
		t.Error("error response without request ID")
	}
}

func TestServer_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	cfg := testConfig(backendFor("app", upstream))
	cfg.Server.RequestTimeout = 100 * time.Millisecond
	_, base := startServer(t, cfg)

	resp, body := get(t, base+"/slow", "")
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, body %q; want 504", resp.StatusCode, body)
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig(backendFor("app", upstream))
	cfg.Server.MaxBodyBytes = 16
	_, base := startServer(t, cfg)

	resp, err := noRedirect.Post(base+"/upload", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestServer_VHost(t *testing.T) {
	def := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "default")
	}))
	defer def.Close()
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "shop")
	}))
	defer shop.Close()

	cfg := testConfig(backendFor("default", def), backendFor("shop", shop))
	cfg.VHost.Enabled = true
	cfg.VHost.Path = filepath.Join(t.TempDir(), "vhost.db")
	s, base := startServer(t, cfg)

	if _, err := s.VHosts().Set(context.Background(), "shop.example", "shop", ""); err != nil {
		t.Fatalf("Set: %v", err)
	}

	tests := []struct {
		host string
		want string
	}{
		{host: "shop.example", want: "shop"},
		{host: "SHOP.example:8080", want: "shop"},
		{host: "other.example", want: "default"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if _, body := get(t, base+"/", tt.host); body != tt.want {
				t.Errorf("body = %q, want %q", body, tt.want)
			}
		})
	}
}

func TestServer_DownloadGate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "file")
	}))
	defer upstream.Close()

	cfg := testConfig(backendFor("app", upstream))
	cfg.DownloadGate = config.DownloadGateConfig{
		Enabled:       true,
		Path:          filepath.Join(t.TempDir(), "dlgate.db"),
		TriggerURL:    `^/get/`,
		DownloadURL:   `^/files/`,
		DenyURL:       "/denied",
		Timeout:       time.Minute,
		PurgeSchedule: "@every 1h",
	}
	_, base := startServer(t, cfg)

	resp, _ := get(t, base+"/files/a.iso", "")
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != "/denied" {
		t.Fatalf("untriggered download = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	if resp, _ := get(t, base+"/get/a.iso", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status = %d", resp.StatusCode)
	}
	if resp, body := get(t, base+"/files/a.iso", ""); resp.StatusCode != http.StatusOK || body != "file" {
		t.Errorf("triggered download = %d %q", resp.StatusCode, body)
	}
}

func TestServer_NewErrors(t *testing.T) {
	cfg := testConfig(config.BackendConfig{Name: "x", Protocol: "gopher", Addresses: []string{"127.0.0.1:1"}})
	tel, err := telemetry.New(&cfg.Telemetry, health.VersionInfo{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := New(context.Background(), nil, tel); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("nil telemetry accepted")
	}
	if _, err := New(context.Background(), cfg, tel); err == nil {
		t.Error("unknown protocol accepted")
	}
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(*proxy.Conn) error            { return proxy.ErrShutdown }
func (failingSubmitter) Abort(*proxy.Conn)                   {}
func (failingSubmitter) Resume(*proxy.Conn)                  {}
func (failingSubmitter) WriteBody(*proxy.Conn, []byte) error { return proxy.ErrShutdown }
func (failingSubmitter) CloseBody(*proxy.Conn, error) error  { return nil }

func TestGateway_SubmitFails(t *testing.T) {
	g := NewGateway(failingSubmitter{}, nil, 0, nil)

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	var errResp types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error.RequestID == "" {
		t.Error("missing request ID")
	}
}

func TestServer_StartTwice(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	s, _ := startServer(t, testConfig(backendFor("app", upstream)))

	deadline := time.Now().Add(5 * time.Second)
	for !s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if err := s.Close(); err == nil {
		t.Error("Close of a running server succeeded")
	}
	if err := s.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestServer_StreamedUpload(t *testing.T) {
	firstPart := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		head := make([]byte, 5)
		if _, err := io.ReadFull(r.Body, head); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		close(firstPart)
		rest, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, string(head)+string(rest))
	}))
	defer upstream.Close()

	_, base := startServer(t, testConfig(backendFor("app", upstream)))

	pr, pw := io.Pipe()
	type result struct {
		status int
		body   string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := noRedirect.Post(base+"/upload", "text/plain", pr)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		done <- result{status: resp.StatusCode, body: string(b), err: err}
	}()

	if _, err := io.WriteString(pw, "hello"); err != nil {
		t.Fatal(err)
	}
	// The backend sees the first part while the client still holds the rest.
	select {
	case <-firstPart:
	case <-time.After(5 * time.Second):
		t.Fatal("request body was not forwarded before it was complete")
	}
	if _, err := io.WriteString(pw, " world"); err != nil {
		t.Fatal(err)
	}
	pw.Close()

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.status != http.StatusOK || res.body != "hello world" {
		t.Errorf("response = %d %q, want 200 %q", res.status, res.body, "hello world")
	}
}

func TestServer_XSendfile(t *testing.T) {
	content := strings.Repeat("0123456789abcdef", 64*1024)
	path := filepath.Join(t.TempDir(), "download.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Sendfile", path)
	}))
	defer upstream.Close()

	b := backendFor("app", upstream)
	b.AllowXSendfile = true
	_, base := startServer(t, testConfig(b))

	// Concurrent downloads share the cached descriptor.
	bodies := make([]string, 3)
	statuses := make([]int, 3)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Go(func() {
			resp, err := noRedirect.Get(base + "/download")
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			statuses[i], bodies[i] = resp.StatusCode, string(data)
		})
	}
	wg.Wait()

	for i := range bodies {
		if statuses[i] != http.StatusOK {
			t.Errorf("download %d status = %d", i, statuses[i])
		}
		if bodies[i] != content {
			t.Errorf("download %d returned %d bytes that differ from the file", i, len(bodies[i]))
		}
	}
}

func TestSession_Backpressure(t *testing.T) {
	s := newSession()

	small := chunkqueue.New()
	small.AppendString("small")
	if !s.Data(nil, small) {
		t.Error("paused below the high-water mark")
	}

	big := chunkqueue.New()
	big.Append(make([]byte, bodyHighWater))
	if s.Data(nil, big) {
		t.Error("no pause above the high-water mark")
	}

	dst := chunkqueue.New()
	_, _, resume, err := s.drain(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !resume {
		t.Error("drain did not ask for a resume after a pause")
	}
	if got := dst.Length(); got != bodyHighWater+5 {
		t.Errorf("drained %d bytes, want %d", got, bodyHighWater+5)
	}

	if _, _, resume, _ = s.drain(chunkqueue.New()); resume {
		t.Error("second drain asked for a resume again")
	}
}
