// Package logging provides structured logging with credential redaction.
//
// # Overview
//
// The logging package wraps Go's standard log/slog package to provide:
//   - Structured logging with JSON, text, and console formats
//   - Redaction of authorization headers, cookies and URI secrets
//   - Context-aware logging with request, backend and address fields
//   - A level that can be changed at runtime on configuration reload
//
// # Usage
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Redact: true,
//	})
//
//	logger.Info("proxy session finished",
//	    "request_id", "req-123",
//	    "uri", "/dl?token=abc",  // logged as /dl?token=***
//	    "status", 200,
//	)
//
//	ctx := logging.WithBackend(logging.WithRequestID(ctx, "req-123"), "app")
//	logger.WithContext(ctx).Info("dispatch")
//
// Packages that take a *slog.Logger get one through Slog.
package logging
