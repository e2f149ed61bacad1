package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576  // 1MB
	DefaultMaxBodyBytes    = 10485760 // 10MB

	// Engine defaults
	DefaultMaxFDs               = 4096
	DefaultTriggerInterval      = time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultBacklogTimeout       = 30 * time.Second
	DefaultMaxInternalRedirects = 8
	DefaultIOBudget             = 256 * 1024

	// Backend defaults
	DefaultBackendProtocol   = "http"
	DefaultBackendBalancer   = "static"
	DefaultBackendKeepAlive  = true
	DefaultFastCGIMaxPayload = 65535

	// File cache defaults
	DefaultFileCacheMaxEntries = 1024
	DefaultFileCacheMaxAge     = time.Second

	// Virtual host defaults
	DefaultVHostPath            = "data/vhost.db"
	DefaultVHostRefreshSchedule = "@every 30s"

	// Download gate defaults
	DefaultGatePath          = "data/dlgate.db"
	DefaultGateTimeout       = 60 * time.Second
	DefaultGatePurgeSchedule = "@every 1m"

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultLoggingRedact      = true
	DefaultMetricsEnabled     = true
	DefaultPrometheusPath     = "/metrics"
	DefaultMetricsNamespace   = "conduit"
	DefaultMetricsSubsystem   = "proxy"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingExporter    = "otlp"
	DefaultTracingServiceName = "conduit"
	DefaultOTLPInsecure       = true
	DefaultOTLPTimeout        = 10 * time.Second
	DefaultHealthEnabled      = true
	DefaultLivenessPath       = "/health"
	DefaultReadinessPath      = "/ready"
	DefaultBackendsPath       = "/backends"
	DefaultHealthCheckTimeout = 5 * time.Second
	DefaultMinActiveAddresses = 1
)

// DefaultRequestDurationBuckets are the session duration histogram buckets
// in seconds.
var DefaultRequestDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewDefaultConfig returns a configuration whose boolean switches hold their
// defaults. YAML is decoded on top of it so that omitted switches keep them;
// ApplyDefaults fills in the rest.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	cfg.Telemetry.Logging.Redact = DefaultLoggingRedact
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.OTLP.Insecure = DefaultOTLPInsecure
	cfg.Telemetry.Health.Enabled = DefaultHealthEnabled
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets zero-valued fields of cfg to their defaults.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	// Engine defaults
	if cfg.Engine.MaxFDs == 0 {
		cfg.Engine.MaxFDs = DefaultMaxFDs
	}
	if cfg.Engine.TriggerInterval == 0 {
		cfg.Engine.TriggerInterval = DefaultTriggerInterval
	}
	if cfg.Engine.ConnectTimeout == 0 {
		cfg.Engine.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Engine.BacklogTimeout == 0 {
		cfg.Engine.BacklogTimeout = DefaultBacklogTimeout
	}
	if cfg.Engine.MaxInternalRedirects == 0 {
		cfg.Engine.MaxInternalRedirects = DefaultMaxInternalRedirects
	}
	if cfg.Engine.ReadBudget == 0 {
		cfg.Engine.ReadBudget = DefaultIOBudget
	}
	if cfg.Engine.WriteBudget == 0 {
		cfg.Engine.WriteBudget = DefaultIOBudget
	}

	// Backend defaults, applied to each backend
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Protocol == "" {
			b.Protocol = DefaultBackendProtocol
		}
		if b.Balancer == "" {
			b.Balancer = DefaultBackendBalancer
		}
		if b.FastCGIMaxPayload == 0 {
			b.FastCGIMaxPayload = DefaultFastCGIMaxPayload
		}
	}

	// File cache defaults
	if cfg.FileCache.MaxEntries == 0 {
		cfg.FileCache.MaxEntries = DefaultFileCacheMaxEntries
	}
	if cfg.FileCache.MaxAge == 0 {
		cfg.FileCache.MaxAge = DefaultFileCacheMaxAge
	}

	// Virtual host defaults
	if cfg.VHost.Path == "" {
		cfg.VHost.Path = DefaultVHostPath
	}
	if cfg.VHost.RefreshSchedule == "" {
		cfg.VHost.RefreshSchedule = DefaultVHostRefreshSchedule
	}

	// Download gate defaults
	if cfg.DownloadGate.Path == "" {
		cfg.DownloadGate.Path = DefaultGatePath
	}
	if cfg.DownloadGate.Timeout == 0 {
		cfg.DownloadGate.Timeout = DefaultGateTimeout
	}
	if cfg.DownloadGate.PurgeSchedule == "" {
		cfg.DownloadGate.PurgeSchedule = DefaultGatePurgeSchedule
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}

	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultPrometheusPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(t.Metrics.RequestDurationBuckets) == 0 {
		t.Metrics.RequestDurationBuckets = append([]float64(nil), DefaultRequestDurationBuckets...)
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Exporter == "" {
		t.Tracing.Exporter = DefaultTracingExporter
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.OTLP.Timeout == 0 {
		t.Tracing.OTLP.Timeout = DefaultOTLPTimeout
	}

	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.BackendsPath == "" {
		t.Health.BackendsPath = DefaultBackendsPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
	if t.Health.MinActiveAddresses == 0 {
		t.Health.MinActiveAddresses = DefaultMinActiveAddresses
	}
}
