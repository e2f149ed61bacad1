package metrics

import (
	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthMetrics mirrors the readiness checks.
//
// Metrics:
//   - conduit_proxy_health_check_up: 1 when the named check last passed
type HealthMetrics struct {
	up *prometheus.GaugeVec
}

// NewHealthMetrics creates and registers health metrics with the provided registry.
func NewHealthMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *HealthMetrics {
	hm := &HealthMetrics{
		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "health_check_up",
				Help:      "Whether the readiness check passed on its last run",
			},
			[]string{"check"},
		),
	}
	registry.MustRegister(hm.up)
	return hm
}

// Record sets the gauge of one check.
func (hm *HealthMetrics) Record(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	hm.up.WithLabelValues(check).Set(v)
}
