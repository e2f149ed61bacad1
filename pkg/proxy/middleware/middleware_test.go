package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/conduit/pkg/telemetry/logging"
)

func newBufferLogger(t *testing.T, buf *bytes.Buffer) *logging.Logger {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "debug", Format: "json", Writer: buf})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return logger
}

func TestLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "INFO"},
		{name: "client error", status: http.StatusNotFound, wantLevel: "WARN"},
		{name: "server error", status: http.StatusBadGateway, wantLevel: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if GetStartTime(r.Context()).IsZero() {
					t.Error("start time missing from context")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hello"))
			})
			wrapped := RequestIDMiddleware(LoggingMiddleware(newBufferLogger(t, &buf))(handler))

			req := httptest.NewRequest(http.MethodGet, "/files/a.txt", nil)
			req.Header.Set(RequestIDHeader, "req-42")
			wrapped.ServeHTTP(httptest.NewRecorder(), req)

			var completed map[string]any
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var entry map[string]any
				if err := json.Unmarshal([]byte(line), &entry); err != nil {
					t.Fatalf("log line %q: %v", line, err)
				}
				if entry["msg"] == "request completed" {
					completed = entry
				}
			}
			if completed == nil {
				t.Fatalf("no completion entry in %s", buf.String())
			}
			if completed["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", completed["level"], tt.wantLevel)
			}
			if completed["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", completed["status"], tt.status)
			}
			if completed["bytes"] != float64(5) {
				t.Errorf("bytes = %v, want 5", completed["bytes"])
			}
			if completed["request_id"] != "req-42" {
				t.Errorf("request_id = %v", completed["request_id"])
			}
		})
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	w := httptest.NewRecorder()
	rw := newResponseWriter(w)
	_, _ = rw.Write([]byte("x"))
	rw.Flush()

	if !w.Flushed {
		t.Error("Flush not forwarded")
	}
	if http.NewResponseController(rw).Flush() != nil {
		t.Error("ResponseController cannot reach the wrapped writer")
	}
}

type readerFromRecorder struct {
	*httptest.ResponseRecorder
	used bool
}

func (r *readerFromRecorder) ReadFrom(src io.Reader) (int64, error) {
	r.used = true
	return io.Copy(r.ResponseRecorder.Body, src)
}

func TestResponseWriter_ReadFrom(t *testing.T) {
	tests := []struct {
		name     string
		w        http.ResponseWriter
		delegate bool
	}{
		{name: "plain writer", w: httptest.NewRecorder()},
		{name: "writer with ReadFrom", w: &readerFromRecorder{ResponseRecorder: httptest.NewRecorder()}, delegate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := newResponseWriter(tt.w)
			var _ io.ReaderFrom = rw

			n, err := io.Copy(rw, io.LimitReader(strings.NewReader("0123456789"), 6))
			if err != nil || n != 6 {
				t.Fatalf("copy = %d, %v", n, err)
			}
			if rw.bytes != 6 {
				t.Errorf("bytes = %d, want 6", rw.bytes)
			}
			if !rw.written || rw.statusCode != http.StatusOK {
				t.Errorf("status = %d, written %v", rw.statusCode, rw.written)
			}
			if rf, ok := tt.w.(*readerFromRecorder); ok && rf.used != tt.delegate {
				t.Errorf("wrapped ReadFrom used = %v", rf.used)
			}
		})
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Run("sets a deadline", func(t *testing.T) {
		var deadline time.Time
		var ok bool
		h := TimeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deadline, ok = r.Context().Deadline()
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if !ok || time.Until(deadline) > time.Minute {
			t.Errorf("deadline = %v, %v", deadline, ok)
		}
	})

	t.Run("cancels the context", func(t *testing.T) {
		var err error
		h := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			err = r.Context().Err()
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		if err != context.DeadlineExceeded {
			t.Errorf("context error = %v", err)
		}
	})

	t.Run("zero disables", func(t *testing.T) {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Deadline(); ok {
				t.Error("unexpected deadline")
			}
		})
		TimeoutMiddleware(0)(next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), mw("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "outer,inner,handler" {
		t.Errorf("order = %v", order)
	}
}
