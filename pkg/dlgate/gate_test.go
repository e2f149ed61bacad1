package dlgate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/telemetry/metrics"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, m *metrics.Collector) (*Gate, *clock) {
	t.Helper()

	g, err := New(config.DownloadGateConfig{
		Enabled:     true,
		Path:        filepath.Join(t.TempDir(), "dlgate.db"),
		TriggerURL:  `^/download/index\.html$`,
		DownloadURL: `^/download/files/`,
		DenyURL:     "http://example.test/denied.html",
		Timeout:     10 * time.Second,
	}, nil, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.Close() })

	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g.now = c.Now
	return g, c
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  config.DownloadGateConfig
	}{
		{name: "empty path", cfg: config.DownloadGateConfig{TriggerURL: "a", DownloadURL: "b"}},
		{name: "bad trigger", cfg: config.DownloadGateConfig{Path: filepath.Join(dir, "a.db"), TriggerURL: "(", DownloadURL: "b"}},
		{name: "bad download", cfg: config.DownloadGateConfig{Path: filepath.Join(dir, "b.db"), TriggerURL: "a", DownloadURL: "["}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, nil, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGate_Check(t *testing.T) {
	g, c := newTestGate(t, nil)
	ctx := context.Background()

	steps := []struct {
		name    string
		advance time.Duration
		ip      string
		path    string
		want    Decision
	}{
		{name: "unrelated path", ip: "192.0.2.1", path: "/index.html", want: Pass},
		{name: "download without trigger", ip: "192.0.2.1", path: "/download/files/a.iso", want: Denied},
		{name: "trigger", ip: "192.0.2.1", path: "/download/index.html", want: Granted},
		{name: "download after trigger", advance: 5 * time.Second, ip: "192.0.2.1", path: "/download/files/a.iso", want: Allowed},
		{name: "other client", ip: "192.0.2.2", path: "/download/files/a.iso", want: Denied},
		{name: "download refreshes ticket", advance: 8 * time.Second, ip: "192.0.2.1", path: "/download/files/b.iso", want: Allowed},
		{name: "ticket expired", advance: 11 * time.Second, ip: "192.0.2.1", path: "/download/files/a.iso", want: Denied},
		{name: "expired ticket deleted", ip: "192.0.2.1", path: "/download/files/a.iso", want: Denied},
	}
	for _, s := range steps {
		c.Advance(s.advance)
		got, err := g.Check(ctx, s.path, s.ip)
		if err != nil {
			t.Fatalf("%s: Check: %v", s.name, err)
		}
		if got != s.want {
			t.Fatalf("%s: Check = %v, want %v", s.name, got, s.want)
		}
	}
}

func TestGate_TriggerAndDownloadSamePath(t *testing.T) {
	g, err := New(config.DownloadGateConfig{
		Path:        filepath.Join(t.TempDir(), "dlgate.db"),
		TriggerURL:  `^/files/`,
		DownloadURL: `^/files/`,
		Timeout:     time.Minute,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	got, err := g.Check(context.Background(), "/files/x", "192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	if got != Allowed {
		t.Errorf("Check = %v, want Allowed", got)
	}
}

func TestGate_PurgeAndTickets(t *testing.T) {
	m := metrics.NewCollector(&config.MetricsConfig{Enabled: true}, nil)
	g, c := newTestGate(t, m)
	ctx := context.Background()

	for _, ip := range []string{"192.0.2.1", "192.0.2.2"} {
		if _, err := g.Check(ctx, "/download/index.html", ip); err != nil {
			t.Fatal(err)
		}
	}
	c.Advance(6 * time.Second)
	if _, err := g.Check(ctx, "/download/index.html", "192.0.2.3"); err != nil {
		t.Fatal(err)
	}

	n, err := g.Tickets(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Tickets = %d, %v; want 3", n, err)
	}

	c.Advance(6 * time.Second)
	purged, err := g.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	tickets, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	var gauge float64 = -1
	for _, f := range tickets {
		if f.GetName() == "conduit_proxy_gate_tickets" {
			gauge = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	if gauge != 1 {
		t.Errorf("gate_tickets = %v, want 1", gauge)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "conduit_proxy_gate_decisions_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("decision series = %d, want 1", count)
	}
}

func TestGate_Closed(t *testing.T) {
	g, _ := newTestGate(t, nil)
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx := context.Background()
	if _, err := g.Check(ctx, "/download/index.html", "192.0.2.1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Check after Close = %v", err)
	}
	if err := g.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping after Close = %v", err)
	}
}

func TestGate_StartStop(t *testing.T) {
	g, _ := newTestGate(t, nil)
	g.schedule = "@every 1h"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.Stop()

	g.schedule = "every now and then"
	if err := g.Start(ctx); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestStorageError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := storageErr("grant", cause)
	if err.Error() != "download gate: grant: disk I/O error" {
		t.Errorf("Error() = %q", err.Error())
	}
	if storageErr("grant", nil) != nil {
		t.Error("nil cause produced an error")
	}

	if !errors.Is(err, cause) {
		t.Error("StorageError does not unwrap to its cause")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "grant" {
		t.Errorf("errors.As = %+v", se)
	}
}

func TestMiddleware(t *testing.T) {
	g, _ := newTestGate(t, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := g.Middleware(next)

	do := func(path, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.7:51234"
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := do("/download/files/a.iso", "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://example.test/denied.html" {
		t.Errorf("Location = %q", loc)
	}

	if w := do("/download/index.html", "203.0.113.5, 10.0.0.1"); w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d", w.Code)
	}
	if w := do("/download/files/a.iso", ""); w.Code != http.StatusTemporaryRedirect {
		t.Errorf("peer address borrowed the forwarded ticket: %d", w.Code)
	}
	if w := do("/download/files/a.iso", "203.0.113.5"); w.Code != http.StatusOK {
		t.Errorf("forwarded download status = %d, want 200", w.Code)
	}

	g.Close()
	if w := do("/download/files/a.iso", "203.0.113.5"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed gate status = %d, want 503", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "peer", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "peer v6", remoteAddr: "[2001:db8::1]:1234", want: "2001:db8::1"},
		{name: "forwarded", remoteAddr: "10.0.0.1:1", xff: "203.0.113.5", want: "203.0.113.5"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:1", xff: " 203.0.113.5 , 10.0.0.2", want: "203.0.113.5"},
		{name: "no port", remoteAddr: "pipe", want: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
