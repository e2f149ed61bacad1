// Package server provides the Conduit HTTP front end.
//
// The server ties the proxy engine to net/http. Each request becomes one
// proxy session submitted to the event loop; the handler goroutine waits
// for the session and streams the response it produces.
//
// # Architecture
//
//   - Gateway: the http.Handler implementing proxy.FrontEnd
//   - Server: builds the multiplexer, file cache, routes, vhost store and
//     download gate from the configuration and owns their lifecycle
//   - Health, readiness, backends and metrics endpoints from telemetry
//
// # Basic Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, info)
//	if err != nil {
//	    return err
//	}
//	srv, err := server.New(ctx, cfg, tel)
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx) // blocks until ctx is cancelled
//
// # Middleware Chain
//
// Requests pass through, outermost first: recovery, trace extraction,
// request ID, logging, request timeout. The download gate, when enabled,
// wraps the gateway only, so telemetry endpoints are never gated.
//
// # Graceful Shutdown
//
// Cancelling the Start context stops the listener and waits up to
// server.shutdown_timeout for in-flight requests. The proxy loop is stopped
// afterwards; sessions still running then end with a 503 or a dropped
// connection.
//
// # Error Responses
//
// Failures before the response head was sent are answered with a JSON
// error body carrying the request ID:
//
//	{"error": {"message": "Backend connect timed out", "type": "gateway_timeout",
//	           "code": "backend_timeout", "request_id": "..."}}
//
// A failure after the head was sent aborts the client connection.
package server
