package metrics

import (
	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// GateMetrics tracks the download gate.
//
// Metrics:
//   - conduit_proxy_gate_decisions_total: gate outcomes by decision
//   - conduit_proxy_gate_tickets: live download tickets
type GateMetrics struct {
	decisions *prometheus.CounterVec
	tickets   prometheus.Gauge
}

// NewGateMetrics creates and registers gate metrics with the provided registry.
func NewGateMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *GateMetrics {
	gm := &GateMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "gate_decisions_total",
				Help:      "Total number of download gate decisions",
			},
			[]string{"decision"},
		),

		tickets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "gate_tickets",
				Help:      "Download tickets that have not expired",
			},
		),
	}

	registry.MustRegister(gm.decisions, gm.tickets)
	return gm
}

// RecordDecision records one gate decision.
func (gm *GateMetrics) RecordDecision(decision string) {
	gm.decisions.WithLabelValues(decision).Inc()
}

// UpdateTickets sets the live ticket gauge.
func (gm *GateMetrics) UpdateTickets(n int) {
	gm.tickets.Set(float64(n))
}
