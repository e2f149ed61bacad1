package middleware

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware puts a deadline on the request context. The handler
// itself answers once the deadline passes; the proxy gateway aborts the
// session and replies 504 when no response head was sent. A zero timeout
// disables the middleware.
//
// Example usage:
//
//	handler = TimeoutMiddleware(cfg.Server.RequestTimeout)(handler)
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Chain wraps h with mws so that the first middleware is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
