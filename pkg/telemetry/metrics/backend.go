package metrics

import (
	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics tracks backend pools and address health.
//
// Metrics:
//   - conduit_proxy_backend_restarts_total: sessions restarted by reason
//   - conduit_proxy_backend_connect_failures_total: failed connects by address
//   - conduit_proxy_backend_read_pauses_total: backend reads paused for slow clients
//   - conduit_proxy_backend_connections: pooled connections by state
//   - conduit_proxy_backend_backlog: sessions waiting for a connection
//   - conduit_proxy_backend_address_active: 1 when an address is active
//   - conduit_proxy_backend_address_load: balancer load of an address
type BackendMetrics struct {
	restarts        *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	readPauses      *prometheus.CounterVec
	connections     *prometheus.GaugeVec
	backlog         *prometheus.GaugeVec
	addressActive   *prometheus.GaugeVec
	addressLoad     *prometheus.GaugeVec
}

// NewBackendMetrics creates and registers backend metrics with the provided registry.
func NewBackendMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *BackendMetrics {
	bm := &BackendMetrics{
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_restarts_total",
				Help:      "Total number of sessions restarted on another connection",
			},
			[]string{"backend", "reason"},
		),

		connectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_connect_failures_total",
				Help:      "Total number of failed connects to backend addresses",
			},
			[]string{"backend", "address"},
		),

		readPauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_read_pauses_total",
				Help:      "Total number of times backend reads were paused for a slow client",
			},
			[]string{"backend"},
		),

		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_connections",
				Help:      "Pooled backend connections by state",
			},
			[]string{"backend", "state"},
		),

		backlog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_backlog",
				Help:      "Sessions waiting for a free backend connection",
			},
			[]string{"backend"},
		),

		addressActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_address_active",
				Help:      "Backend address health (1=active, 0=disabled)",
			},
			[]string{"backend", "address"},
		),

		addressLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "backend_address_load",
				Help:      "Sessions assigned to a backend address",
			},
			[]string{"backend", "address"},
		),
	}

	registry.MustRegister(
		bm.restarts,
		bm.connectFailures,
		bm.readPauses,
		bm.connections,
		bm.backlog,
		bm.addressActive,
		bm.addressLoad,
	)

	return bm
}

// RecordRestart records a restarted session.
func (bm *BackendMetrics) RecordRestart(backendName, reason string) {
	bm.restarts.WithLabelValues(backendName, reason).Inc()
}

// RecordConnectFailure records a failed connect.
func (bm *BackendMetrics) RecordConnectFailure(backendName, address string) {
	bm.connectFailures.WithLabelValues(backendName, address).Inc()
}

// RecordReadPause records a session whose backend reads were paused.
func (bm *BackendMetrics) RecordReadPause(backendName string) {
	bm.readPauses.WithLabelValues(backendName).Inc()
}

// Update sets the gauges of one backend from a snapshot.
func (bm *BackendMetrics) Update(s backend.Snapshot) {
	for state, n := range s.Pool {
		bm.connections.WithLabelValues(s.Name, state).Set(float64(n))
	}
	bm.backlog.WithLabelValues(s.Name).Set(float64(s.Backlog))
	for _, a := range s.Addresses {
		active := 0.0
		if a.State == backend.AddressActive.String() {
			active = 1
		}
		bm.addressActive.WithLabelValues(s.Name, a.Name).Set(active)
		bm.addressLoad.WithLabelValues(s.Name, a.Name).Set(float64(a.Load))
	}
}
