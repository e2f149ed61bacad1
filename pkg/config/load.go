package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "CONDUIT_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML on top of the defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention CONDUIT_SECTION_FIELD (e.g., CONDUIT_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML decodes a backend with keep-alive on unless the document
// turns it off.
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain BackendConfig
	p := plain{KeepAlive: DefaultBackendKeepAlive}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = BackendConfig(p)
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables use the format CONDUIT_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	envString("SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envDuration("SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &cfg.Server.MaxHeaderBytes)
	if val := os.Getenv(EnvPrefix + "SERVER_MAX_BODY_BYTES"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = i
		}
	}

	// Engine overrides
	envString("ENGINE_EVENT_HANDLER", &cfg.Engine.EventHandler)
	envInt("ENGINE_MAX_FDS", &cfg.Engine.MaxFDs)
	envDuration("ENGINE_TRIGGER_INTERVAL", &cfg.Engine.TriggerInterval)
	envDuration("ENGINE_CONNECT_TIMEOUT", &cfg.Engine.ConnectTimeout)
	envDuration("ENGINE_BACKLOG_TIMEOUT", &cfg.Engine.BacklogTimeout)
	envInt("ENGINE_MAX_INTERNAL_REDIRECTS", &cfg.Engine.MaxInternalRedirects)

	// Backend overrides, keyed by the upper-cased backend name
	for i := range cfg.Backends {
		applyBackendEnvOverrides(&cfg.Backends[i])
	}

	// File cache overrides
	envInt("FILE_CACHE_MAX_ENTRIES", &cfg.FileCache.MaxEntries)
	envDuration("FILE_CACHE_MAX_AGE", &cfg.FileCache.MaxAge)
	envBool("FILE_CACHE_WATCH", &cfg.FileCache.Watch)

	// Virtual host overrides
	envBool("VHOST_ENABLED", &cfg.VHost.Enabled)
	envString("VHOST_PATH", &cfg.VHost.Path)

	// Download gate overrides
	envBool("DOWNLOAD_GATE_ENABLED", &cfg.DownloadGate.Enabled)
	envString("DOWNLOAD_GATE_PATH", &cfg.DownloadGate.Path)
	envString("DOWNLOAD_GATE_DENY_URL", &cfg.DownloadGate.DenyURL)
	envDuration("DOWNLOAD_GATE_TIMEOUT", &cfg.DownloadGate.Timeout)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
}

// applyBackendEnvOverrides applies overrides for one backend. Variables
// follow the format CONDUIT_BACKENDS_<NAME>_<FIELD> where NAME is the
// upper-cased backend name with dashes turned into underscores.
func applyBackendEnvOverrides(b *BackendConfig) {
	name := strings.ToUpper(strings.ReplaceAll(b.Name, "-", "_"))
	prefix := "BACKENDS_" + name + "_"

	if val := os.Getenv(EnvPrefix + prefix + "ADDRESSES"); val != "" {
		var addrs []string
		for _, a := range strings.Split(val, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		b.Addresses = addrs
	}
	envString(prefix+"BALANCER", &b.Balancer)
	envInt(prefix+"MAX_POOL_SIZE", &b.MaxPoolSize)
	envBool(prefix+"KEEP_ALIVE", &b.KeepAlive)
	envBool(prefix+"DEBUG", &b.Debug)
}

func envString(key string, dst *string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
