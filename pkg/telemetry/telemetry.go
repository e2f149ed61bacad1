package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"mercator-hq/conduit/pkg/config"
	"mercator-hq/conduit/pkg/telemetry/health"
	"mercator-hq/conduit/pkg/telemetry/logging"
	"mercator-hq/conduit/pkg/telemetry/metrics"
	"mercator-hq/conduit/pkg/telemetry/tracing"
)

// Telemetry owns the observability components built from one
// configuration.
type Telemetry struct {
	cfg     config.TelemetryConfig
	info    health.VersionInfo
	logger  *logging.Logger
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	health  *health.Checker
}

// New builds every component. The tracer connects lazily, so New does not
// block on an unreachable collector.
func New(cfg *config.TelemetryConfig, info health.VersionInfo) (*Telemetry, error) {
	if cfg == nil {
		return nil, errors.New("telemetry config is nil")
	}

	logger, err := logging.New(logging.FromConfig(cfg.Logging))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if info.Version != "" {
		tracing.Version = info.Version
	}
	tracer, err := tracing.New(&cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	collector := metrics.NewCollector(&cfg.Metrics, nil)
	checker := health.New(cfg.Health.CheckTimeout)
	checker.OnResult(collector.RecordHealthCheck)

	return &Telemetry{
		cfg:     *cfg,
		info:    info,
		logger:  logger,
		metrics: collector,
		tracer:  tracer,
		health:  checker,
	}, nil
}

// Logger returns the root logger.
func (t *Telemetry) Logger() *logging.Logger { return t.logger }

// Metrics returns the Prometheus collector.
func (t *Telemetry) Metrics() *metrics.Collector { return t.metrics }

// Tracer returns the tracer.
func (t *Telemetry) Tracer() *tracing.Tracer { return t.tracer }

// Health returns the health checker components register with.
func (t *Telemetry) Health() *health.Checker { return t.health }

// Mount registers the health and metrics endpoints on mux. snapshot feeds
// the backends endpoint and may be nil.
func (t *Telemetry) Mount(mux *http.ServeMux, snapshot health.SnapshotFunc) {
	health.Register(mux, t.cfg.Health, t.health, snapshot, t.info)
	if t.cfg.Metrics.Enabled {
		mux.Handle(t.cfg.Metrics.Path, t.metrics.Handler())
	}
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.tracer.Shutdown(ctx)
}
