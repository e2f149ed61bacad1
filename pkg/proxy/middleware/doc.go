// Package middleware provides the HTTP middleware wrapped around the proxy
// gateway.
//
// # Middleware Chain
//
//	handler = middleware.Chain(gateway,
//	    middleware.RecoveryMiddleware(logger),
//	    middleware.RequestIDMiddleware,
//	    middleware.LoggingMiddleware(logger),
//	    middleware.TimeoutMiddleware(cfg.Server.RequestTimeout),
//	)
//
// Chain lists middleware outermost first, so recovery also covers the
// logging middleware and the logger sees the request ID.
//
// # Request ID
//
// RequestIDMiddleware keeps a client-supplied X-Request-ID or generates a
// UUID:
//
//	X-Request-ID: 550e8400-e29b-41d4-a716-446655440000
//
// The ID is stored in the context under the logging package key, echoed in
// the response and forwarded to the backend.
//
// # Logging
//
// LoggingMiddleware writes one entry per completed request:
//
//	{
//	  "time": "2026-10-19T10:30:00Z",
//	  "level": "INFO",
//	  "msg": "request completed",
//	  "request_id": "550e8400-e29b-41d4-a716-446655440000",
//	  "method": "GET",
//	  "path": "/downloads/app.tar.gz",
//	  "host": "www.example.com",
//	  "status": 200,
//	  "bytes": 1048576,
//	  "latency_ms": 42
//	}
//
// # Timeouts
//
// TimeoutMiddleware only sets a context deadline. The gateway watches the
// context, aborts the proxy session and answers 504 if the response head
// has not been sent.
package middleware
