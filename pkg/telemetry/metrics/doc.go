// Package metrics provides Prometheus metrics for the proxy engine.
//
// # Metrics Categories
//
//   - Request Metrics: finished sessions, duration, internal redirects, codec errors
//   - Backend Metrics: restarts, connect failures, pool and backlog gauges, address health
//   - Cache Metrics: file cache and virtual host lookups, evictions by reason
//   - Gate Metrics: download gate decisions and live tickets
//   - Health Metrics: last outcome of each readiness check
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	engine := proxy.NewEngine(mux, router, proxy.Options{Metrics: collector})
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// Every Collector method is a no-op on a nil collector or when metrics are
// disabled, so callers never check.
//
// # Prometheus Endpoint
//
//	# HELP conduit_proxy_requests_total Total number of proxy sessions finished
//	# TYPE conduit_proxy_requests_total counter
//	conduit_proxy_requests_total{backend="app",code="200"} 1234
//
// # Cardinality Management
//
// Backend and protocol labels come from configuration. Address labels are
// bounded by a CardinalityLimiter; past the limit they are reported as
// "other".
package metrics
