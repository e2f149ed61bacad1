package config

import (
	"time"

	"mercator-hq/conduit/pkg/rewrite"
)

// Config is the root configuration structure for Conduit.
// It contains the front-end server, the proxy engine, the backends and the
// optional lookup services, plus telemetry.
type Config struct {
	// Server contains the HTTP front end configuration including listen
	// address, timeouts and body limits.
	Server ServerConfig `yaml:"server"`

	// Engine contains proxy engine configuration: event handler, timers and
	// restart limits.
	Engine EngineConfig `yaml:"engine"`

	// Backends lists the proxied backends in routing order. The first
	// backend is the default route.
	Backends []BackendConfig `yaml:"backends"`

	// FileCache configures the cache used to answer X-Sendfile responses.
	FileCache FileCacheConfig `yaml:"file_cache"`

	// VHost configures the SQL virtual-host lookup.
	VHost VHostConfig `yaml:"vhost"`

	// DownloadGate configures the trigger-before-download gate.
	DownloadGate DownloadGateConfig `yaml:"download_gate"`

	// Telemetry contains configuration for observability including logging,
	// metrics, and distributed tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains configuration for the HTTP front end.
type ServerConfig struct {
	// ListenAddress is the address and port for the proxy to listen on.
	// Format: "host:port" (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Zero disables it, which suits long downloads.
	// Default: 0
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for in-flight requests
	// during graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RequestTimeout bounds a whole proxied request. Zero disables it.
	// Default: 0
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxHeaderBytes limits the request head.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes limits the buffered request body.
	// Default: 10485760 (10MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// EngineConfig contains proxy engine configuration.
type EngineConfig struct {
	// EventHandler selects the multiplexer backend.
	// Options: "epoll", "kqueue", "devpoll", "poll", "select"; empty picks
	// the best one for the platform.
	// Default: ""
	EventHandler string `yaml:"event_handler"`

	// MaxFDs is the number of descriptors the multiplexer is sized for.
	// Default: 4096
	MaxFDs int `yaml:"max_fds"`

	// TriggerInterval is the period of the maintenance pass that re-enables
	// addresses, sweeps closed connections and expires the backlog.
	// Default: 1s
	TriggerInterval time.Duration `yaml:"trigger_interval"`

	// ConnectTimeout bounds a backend connect.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// BacklogTimeout bounds the time a request waits for a backend slot.
	// Default: 30s
	BacklogTimeout time.Duration `yaml:"backlog_timeout"`

	// MaxInternalRedirects bounds restarts plus internal redirects per
	// request.
	// Default: 8
	MaxInternalRedirects int `yaml:"max_internal_redirects"`

	// ReadBudget and WriteBudget bound the bytes moved per socket call.
	// Default: 262144 (256KB)
	ReadBudget  int64 `yaml:"read_budget"`
	WriteBudget int64 `yaml:"write_budget"`
}

// BackendConfig contains configuration for one proxied backend.
type BackendConfig struct {
	// Name identifies the backend in logs, metrics and vhost rows.
	Name string `yaml:"name"`

	// Match is the request path prefix routed to this backend.
	// Example: "/app/"
	Match string `yaml:"match"`

	// Protocol is the wire protocol spoken to the backend.
	// Options: "http", "fastcgi"
	// Default: "http"
	Protocol string `yaml:"protocol"`

	// Addresses lists the backend endpoints as "host:port" or
	// "unix:/path".
	Addresses []string `yaml:"addresses"`

	// Balancer selects the load-balancing policy.
	// Options: "static" ("fair", "failover"), "round-robin", "carp"
	// ("hash"), "sqf"
	// Default: "static"
	Balancer string `yaml:"balancer"`

	// MaxPoolSize bounds the open connections of the backend across all
	// of its addresses. Zero selects one.
	// Default: 1
	MaxPoolSize int `yaml:"max_pool_size"`

	// KeepAlive keeps backend connections open between requests.
	// Default: true
	KeepAlive bool `yaml:"keep_alive"`

	// MaxKeepAliveRequests bounds the requests per kept-alive connection.
	// Zero means unlimited.
	// Default: 0
	MaxKeepAliveRequests int `yaml:"max_keep_alive_requests"`

	// FastCGIMaxPayload bounds the content length of FastCGI records.
	// Default: 65535
	FastCGIMaxPayload int `yaml:"fastcgi_max_payload"`

	// RewriteRequest and RewriteResponse are regex header rewrites.
	// The "_uri" header name rewrites the request URI.
	RewriteRequest  []rewrite.Spec `yaml:"rewrite_request"`
	RewriteResponse []rewrite.Spec `yaml:"rewrite_response"`

	// AllowXSendfile lets the backend answer with a local file.
	AllowXSendfile bool `yaml:"allow_x_sendfile"`

	// AllowXRewrite lets the backend re-dispatch the request through
	// X-Rewrite-URI and X-Rewrite-Host.
	AllowXRewrite bool `yaml:"allow_x_rewrite"`

	// DocumentRoot is passed to FastCGI applications.
	DocumentRoot string `yaml:"document_root"`

	// Debug logs session state transitions.
	Debug bool `yaml:"debug"`
}

// FileCacheConfig configures the X-Sendfile file cache.
type FileCacheConfig struct {
	// MaxEntries bounds the number of open files.
	// Default: 1024
	MaxEntries int `yaml:"max_entries"`

	// MaxAge is how long an entry is served without a stat.
	// Default: 1s
	MaxAge time.Duration `yaml:"max_age"`

	// Watch enables fsnotify invalidation.
	// Default: false
	Watch bool `yaml:"watch"`
}

// VHostConfig configures the SQL virtual-host lookup.
type VHostConfig struct {
	// Enabled turns host-based routing on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	// Default: "data/vhost.db"
	Path string `yaml:"path"`

	// RefreshSchedule is the cron schedule of the snapshot reload.
	// Default: "@every 30s"
	RefreshSchedule string `yaml:"refresh_schedule"`
}

// DownloadGateConfig configures the trigger-before-download gate.
type DownloadGateConfig struct {
	// Enabled turns the gate on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	// Default: "data/dlgate.db"
	Path string `yaml:"path"`

	// TriggerURL matches request paths that record the client address.
	TriggerURL string `yaml:"trigger_url"`

	// DownloadURL matches request paths that require a recent trigger.
	DownloadURL string `yaml:"download_url"`

	// DenyURL is where refused downloads are redirected.
	DenyURL string `yaml:"deny_url"`

	// Timeout is how long a trigger stays valid.
	// Default: 60s
	Timeout time.Duration `yaml:"timeout"`

	// PurgeSchedule is the cron schedule of expired-trigger cleanup.
	// Default: "@every 1m"
	PurgeSchedule string `yaml:"purge_schedule"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	// Logging contains structured logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Health contains health check configuration.
	Health HealthConfig `yaml:"health"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text", "console"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// Redact masks credentials in logged values: authorization and cookie
	// headers, secrets in query strings and URL user info.
	// Default: true
	Redact bool `yaml:"redact"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus metrics endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "conduit"
	Namespace string `yaml:"namespace"`

	// Subsystem is the metric subsystem name.
	// Default: "proxy"
	Subsystem string `yaml:"subsystem"`

	// RequestDurationBuckets defines histogram buckets for session duration
	// (seconds).
	// Default: [0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10]
	RequestDurationBuckets []float64 `yaml:"request_duration_buckets"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler determines the sampling strategy.
	// Options: "always", "never", "ratio", "parent"
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces to sample (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Exporter determines the trace exporter to use.
	// Options: "otlp"
	// Default: "otlp"
	Exporter string `yaml:"exporter"`

	// Endpoint is the trace collector endpoint.
	// Example: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// ServiceName is the service name in traces.
	// Default: "conduit"
	ServiceName string `yaml:"service_name"`

	// OTLP contains OTLP exporter specific configuration.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter configuration.
type OTLPConfig struct {
	// Insecure disables TLS for OTLP connection.
	// Default: true
	Insecure bool `yaml:"insecure"`

	// Timeout is the export timeout.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig contains health check endpoint configuration.
type HealthConfig struct {
	// Enabled controls whether health check endpoints are enabled.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// LivenessPath is the path for the liveness endpoint.
	// Default: "/health"
	LivenessPath string `yaml:"liveness_path"`

	// ReadinessPath is the path for the readiness endpoint.
	// Default: "/ready"
	ReadinessPath string `yaml:"readiness_path"`

	// BackendsPath serves the backend state snapshot.
	// Default: "/backends"
	BackendsPath string `yaml:"backends_path"`

	// CheckTimeout is the timeout for individual component health checks.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// MinActiveAddresses is the number of active backend addresses every
	// backend needs for the system to be considered ready.
	// Default: 1
	MinActiveAddresses int `yaml:"min_active_addresses"`
}
