package metrics

import (
	"time"

	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks proxy sessions.
//
// Metrics:
//   - conduit_proxy_requests_total: finished sessions by backend and status code
//   - conduit_proxy_request_duration_seconds: session duration histogram
//   - conduit_proxy_internal_redirects_total: X-Rewrite and X-Sendfile redirects
//   - conduit_proxy_codec_errors_total: malformed backend responses by protocol
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	redirectsTotal  *prometheus.CounterVec
	codecErrors     *prometheus.CounterVec
}

// NewRequestMetrics creates and registers request metrics with the provided registry.
func NewRequestMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of proxy sessions finished",
			},
			[]string{"backend", "code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Duration of proxy sessions in seconds",
				Buckets:   cfg.RequestDurationBuckets,
			},
			[]string{"backend"},
		),

		redirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "internal_redirects_total",
				Help:      "Total number of internal redirects requested by backends",
			},
			[]string{"backend", "kind"},
		),

		codecErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "codec_errors_total",
				Help:      "Total number of malformed backend responses",
			},
			[]string{"protocol"},
		),
	}

	registry.MustRegister(
		rm.requestsTotal,
		rm.requestDuration,
		rm.redirectsTotal,
		rm.codecErrors,
	)

	return rm
}

// RecordRequest records a finished session.
func (rm *RequestMetrics) RecordRequest(backendName, code string, duration time.Duration) {
	rm.requestsTotal.WithLabelValues(backendName, code).Inc()
	rm.requestDuration.WithLabelValues(backendName).Observe(duration.Seconds())
}

// RecordRedirect records an internal redirect of the given kind.
func (rm *RequestMetrics) RecordRedirect(backendName, kind string) {
	rm.redirectsTotal.WithLabelValues(backendName, kind).Inc()
}

// RecordCodecError records a protocol error.
func (rm *RequestMetrics) RecordCodecError(protocol string) {
	rm.codecErrors.WithLabelValues(protocol).Inc()
}
