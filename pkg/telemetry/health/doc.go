// Package health provides liveness, readiness and backend state endpoints
// for the proxy.
//
// # Endpoints
//
//   - /health: liveness, 200 while the process runs
//   - /ready: readiness, 503 when a registered check fails
//   - /backends: JSON snapshot of every backend pool and address
//   - /version: build information
//
// The paths of the first three come from telemetry.health in the
// configuration.
//
// # Component Health Checks
//
// The server registers:
//
//   - backends: BackendsCheck over the loop's snapshots; fails when a
//     backend has fewer than min_active_addresses active addresses or the
//     loop does not answer within check_timeout
//   - vhost, download_gate: a Ping of the SQLite store when the feature is
//     enabled
//
// OnResult reports every check outcome, which the telemetry bundle turns
// into the health_check_up gauge.
//
// Usage:
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("backends", health.BackendsCheck(loop.Snapshot, 1))
//	health.Register(mux, cfg.Telemetry.Health, checker, loop.Snapshot, info)
package health
