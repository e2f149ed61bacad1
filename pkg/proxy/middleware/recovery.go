package middleware

import (
	"net/http"
	"runtime/debug"

	"mercator-hq/conduit/pkg/proxy"
	"mercator-hq/conduit/pkg/proxy/types"
	"mercator-hq/conduit/pkg/telemetry/logging"
)

// RecoveryMiddleware recovers from panics in HTTP handlers and answers 500
// with a JSON error body. The panic and its stack are logged; nothing of it
// reaches the client. http.ErrAbortHandler is re-raised so that net/http
// can drop the connection.
//
// Example usage:
//
//	handler = RecoveryMiddleware(logger)(handler)
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.ErrorContext(r.Context(), "panic in handler",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)

				errResp := types.NewServerError("An internal error occurred. Please try again later.")
				errResp.Error.RequestID = logging.GetRequestID(r.Context())
				_ = proxy.WriteErrorResponse(w, errResp)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
