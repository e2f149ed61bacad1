package dlgate

import (
	"net"
	"net/http"
	"strings"
)

// Middleware applies the gate to every request. Denied downloads are
// redirected to the deny URL with 307; requests the gate cannot decide
// because the database failed get 503.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := g.Check(r.Context(), r.URL.Path, ClientIP(r))
		if err != nil {
			g.logger.Error("download gate check failed",
				"path", r.URL.Path,
				"error", err,
			)
			http.Error(w, "download gate unavailable", http.StatusServiceUnavailable)
			return
		}

		if decision == Denied {
			http.Redirect(w, r, g.denyURL, http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For address, or the peer address
// when the header is absent.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
