package config

import "time"

// ConfigBuilder provides a fluent API for building Config instances in tests.
// It starts with default values and allows selective overrides.
type ConfigBuilder struct {
	cfg Config
}

// NewTestConfig creates a new ConfigBuilder with one HTTP backend. The
// resulting configuration is valid and can be used immediately.
func NewTestConfig() *ConfigBuilder {
	cfg := NewDefaultConfig()
	cfg.Backends = []BackendConfig{{
		Name:      "app",
		Match:     "/",
		Addresses: []string{"127.0.0.1:9000"},
		KeepAlive: true,
	}}
	ApplyDefaults(cfg)
	return &ConfigBuilder{cfg: *cfg}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return &b.cfg
}

// WithListenAddress sets the front end listen address.
func (b *ConfigBuilder) WithListenAddress(addr string) *ConfigBuilder {
	b.cfg.Server.ListenAddress = addr
	return b
}

// WithConnectTimeout sets the engine connect timeout.
func (b *ConfigBuilder) WithConnectTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.Engine.ConnectTimeout = d
	return b
}

// WithBackend appends a backend with defaults applied.
func (b *ConfigBuilder) WithBackend(backend BackendConfig) *ConfigBuilder {
	b.cfg.Backends = append(b.cfg.Backends, backend)
	ApplyDefaults(&b.cfg)
	return b
}

// WithLogLevel sets the logging level.
func (b *ConfigBuilder) WithLogLevel(level string) *ConfigBuilder {
	b.cfg.Telemetry.Logging.Level = level
	return b
}

// WithDownloadGate enables the gate with the given patterns.
func (b *ConfigBuilder) WithDownloadGate(trigger, download, deny string) *ConfigBuilder {
	b.cfg.DownloadGate.Enabled = true
	b.cfg.DownloadGate.TriggerURL = trigger
	b.cfg.DownloadGate.DownloadURL = download
	b.cfg.DownloadGate.DenyURL = deny
	return b
}
