// Package telemetry bundles the proxy's structured logging, Prometheus
// metrics, OpenTelemetry tracing and health checks.
//
// # Components
//
//   - logging: slog-based logging with credential redaction
//   - metrics: Prometheus collector for sessions, backends and caches
//   - tracing: one span per proxy session, W3C trace context forwarded to backends
//   - health: liveness, readiness and backend state endpoints
//
// # Usage
//
//	tel, err := telemetry.New(&cfg.Telemetry, health.VersionInfo{Version: version})
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	engine := proxy.NewEngine(mux, router, proxy.Options{
//	    Logger:  tel.Logger(),
//	    Metrics: tel.Metrics(),
//	    Tracer:  tel.Tracer(),
//	})
//
// # Credential Protection
//
// With telemetry.logging.redact on (the default) Authorization and Cookie
// values, passwords and token-like query parameters are masked in every
// log record.
package telemetry
