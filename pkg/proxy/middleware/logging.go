package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"mercator-hq/conduit/pkg/telemetry/logging"
)

// responseWriter wraps http.ResponseWriter to capture status code and the
// number of body bytes.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
	written    bool
}

// newResponseWriter creates a new response writer wrapper.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code before writing.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures WriteHeader is called if not already done.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// ReadFrom keeps the wrapped writer's io.ReaderFrom reachable, which is
// how net/http sends files with sendfile.
func (rw *responseWriter) ReadFrom(r io.Reader) (int64, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := io.Copy(rw.ResponseWriter, r)
	rw.bytes += n
	return n, err
}

// Flush forwards to the wrapped writer so streamed bodies leave promptly.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs each request when it completes with method, path,
// host, status, bytes and latency. 5xx answers log at error level and 4xx at
// warn level. A nil logger uses logging.Default.
//
// Example usage:
//
//	handler = LoggingMiddleware(logger)(handler)
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			ctx := context.WithValue(r.Context(), startTimeKey{}, startTime)

			rw := newResponseWriter(w)

			logger.DebugContext(ctx, "request started",
				"method", r.Method,
				"path", r.URL.Path,
				"host", r.Host,
				"remote_addr", r.RemoteAddr,
			)

			next.ServeHTTP(rw, r.WithContext(ctx))

			logf := logger.InfoContext
			if rw.statusCode >= 500 {
				logf = logger.ErrorContext
			} else if rw.statusCode >= 400 {
				logf = logger.WarnContext
			}

			logf(ctx, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"host", r.Host,
				"status", rw.statusCode,
				"bytes", rw.bytes,
				"latency_ms", time.Since(startTime).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

type startTimeKey struct{}

// GetStartTime extracts the request start time from the context.
// Returns zero time if not found.
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(startTimeKey{}).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}
