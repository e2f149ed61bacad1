package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/balancer"
	"mercator-hq/conduit/pkg/fdevent"
	"mercator-hq/conduit/pkg/rewrite"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// cronParser accepts standard five-field specs and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validateBackends(cfg.Backends)...)
	errs = append(errs, validateFileCache(&cfg.FileCache)...)
	errs = append(errs, validateVHost(&cfg.VHost)...)
	errs = append(errs, validateDownloadGate(&cfg.DownloadGate)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

// validateServer validates front end configuration.
func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be non-negative"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.RequestTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.request_timeout", Message: "request timeout must be non-negative"})
	}

	if cfg.MaxHeaderBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_header_bytes", Message: "max header bytes must be non-negative"})
	}
	if cfg.MaxHeaderBytes > 10*1024*1024 { // 10MB is excessive
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes exceeds reasonable limit (10MB)",
		})
	}
	if cfg.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_body_bytes", Message: "max body bytes must be non-negative"})
	}

	return errs
}

// validateEngine validates proxy engine configuration.
func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError

	if _, err := fdevent.ParseKind(cfg.EventHandler); err != nil {
		errs = append(errs, FieldError{Field: "engine.event_handler", Message: err.Error()})
	}
	if cfg.MaxFDs <= 0 {
		errs = append(errs, FieldError{Field: "engine.max_fds", Message: "max fds must be positive"})
	}
	if cfg.TriggerInterval <= 0 {
		errs = append(errs, FieldError{Field: "engine.trigger_interval", Message: "trigger interval must be positive"})
	}
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, FieldError{Field: "engine.connect_timeout", Message: "connect timeout must be positive"})
	}
	if cfg.BacklogTimeout <= 0 {
		errs = append(errs, FieldError{Field: "engine.backlog_timeout", Message: "backlog timeout must be positive"})
	}
	if cfg.MaxInternalRedirects <= 0 {
		errs = append(errs, FieldError{
			Field:   "engine.max_internal_redirects",
			Message: "max internal redirects must be positive",
		})
	}
	if cfg.ReadBudget <= 0 {
		errs = append(errs, FieldError{Field: "engine.read_budget", Message: "read budget must be positive"})
	}
	if cfg.WriteBudget <= 0 {
		errs = append(errs, FieldError{Field: "engine.write_budget", Message: "write budget must be positive"})
	}

	return errs
}

// validateBackends validates backend configurations.
func validateBackends(backends []BackendConfig) []FieldError {
	var errs []FieldError

	if len(backends) == 0 {
		errs = append(errs, FieldError{
			Field:   "backends",
			Message: "at least one backend must be configured",
		})
		return errs
	}

	validProtocols := map[string]bool{"http": true, "fastcgi": true}
	seen := make(map[string]bool, len(backends))

	for i, b := range backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name != "" {
			prefix = fmt.Sprintf("backends.%s", b.Name)
		}

		if b.Name == "" {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: "field is required"})
		} else if seen[b.Name] {
			errs = append(errs, FieldError{Field: prefix + ".name", Message: "duplicate backend name"})
		}
		seen[b.Name] = true

		if b.Match != "" && !strings.HasPrefix(b.Match, "/") {
			errs = append(errs, FieldError{Field: prefix + ".match", Message: "match prefix must start with /"})
		}

		if !validProtocols[strings.ToLower(b.Protocol)] {
			errs = append(errs, FieldError{
				Field:   prefix + ".protocol",
				Message: fmt.Sprintf("invalid protocol %q (must be http or fastcgi)", b.Protocol),
			})
		}

		if len(b.Addresses) == 0 {
			errs = append(errs, FieldError{Field: prefix + ".addresses", Message: "at least one address is required"})
		}
		for j, name := range b.Addresses {
			if _, err := backend.ParseAddress(name); err != nil {
				errs = append(errs, FieldError{
					Field:   fmt.Sprintf("%s.addresses[%d]", prefix, j),
					Message: err.Error(),
				})
			}
		}

		if _, err := balancer.New(b.Balancer); err != nil {
			errs = append(errs, FieldError{
				Field:   prefix + ".balancer",
				Message: fmt.Sprintf("%v (must be one of %s)", err, strings.Join(balancer.Names(), ", ")),
			})
		}

		if b.MaxPoolSize < 0 {
			errs = append(errs, FieldError{Field: prefix + ".max_pool_size", Message: "max pool size must be non-negative"})
		}
		if b.MaxKeepAliveRequests < 0 {
			errs = append(errs, FieldError{
				Field:   prefix + ".max_keep_alive_requests",
				Message: "max keep-alive requests must be non-negative",
			})
		}
		if b.FastCGIMaxPayload <= 0 || b.FastCGIMaxPayload > 65535 {
			errs = append(errs, FieldError{
				Field:   prefix + ".fastcgi_max_payload",
				Message: "fastcgi max payload must be between 1 and 65535",
			})
		}

		if _, err := rewrite.Compile(b.RewriteRequest); err != nil {
			errs = append(errs, FieldError{Field: prefix + ".rewrite_request", Message: err.Error()})
		}
		if _, err := rewrite.Compile(b.RewriteResponse); err != nil {
			errs = append(errs, FieldError{Field: prefix + ".rewrite_response", Message: err.Error()})
		}
	}

	return errs
}

// validateFileCache validates file cache configuration.
func validateFileCache(cfg *FileCacheConfig) []FieldError {
	var errs []FieldError

	if cfg.MaxEntries <= 0 {
		errs = append(errs, FieldError{Field: "file_cache.max_entries", Message: "max entries must be positive"})
	}
	if cfg.MaxAge < 0 {
		errs = append(errs, FieldError{Field: "file_cache.max_age", Message: "max age must be non-negative"})
	}

	return errs
}

// validateVHost validates virtual-host lookup configuration.
func validateVHost(cfg *VHostConfig) []FieldError {
	var errs []FieldError
	if !cfg.Enabled {
		return errs
	}

	if cfg.Path == "" {
		errs = append(errs, FieldError{Field: "vhost.path", Message: "database path is required when vhost is enabled"})
	}
	if _, err := cronParser.Parse(cfg.RefreshSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "vhost.refresh_schedule",
			Message: fmt.Sprintf("invalid cron schedule: %v", err),
		})
	}

	return errs
}

// validateDownloadGate validates download gate configuration.
func validateDownloadGate(cfg *DownloadGateConfig) []FieldError {
	var errs []FieldError
	if !cfg.Enabled {
		return errs
	}

	if cfg.Path == "" {
		errs = append(errs, FieldError{Field: "download_gate.path", Message: "database path is required when the gate is enabled"})
	}
	for field, pattern := range map[string]string{
		"download_gate.trigger_url":  cfg.TriggerURL,
		"download_gate.download_url": cfg.DownloadURL,
	} {
		if pattern == "" {
			errs = append(errs, FieldError{Field: field, Message: "field is required when the gate is enabled"})
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("invalid regular expression: %v", err)})
		}
	}
	if cfg.DenyURL == "" {
		errs = append(errs, FieldError{Field: "download_gate.deny_url", Message: "field is required when the gate is enabled"})
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, FieldError{Field: "download_gate.timeout", Message: "timeout must be positive"})
	}
	if _, err := cronParser.Parse(cfg.PurgeSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "download_gate.purge_schedule",
			Message: fmt.Sprintf("invalid cron schedule: %v", err),
		})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", cfg.Logging.Level),
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be json, text, or console)", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "metrics path must start with /"})
	}
	for i := 1; i < len(cfg.Metrics.RequestDurationBuckets); i++ {
		if cfg.Metrics.RequestDurationBuckets[i] <= cfg.Metrics.RequestDurationBuckets[i-1] {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.request_duration_buckets",
				Message: "buckets must be strictly increasing",
			})
			break
		}
	}

	if cfg.Tracing.Enabled {
		validSamplers := map[string]bool{"always": true, "never": true, "ratio": true, "parent": true}
		if !validSamplers[cfg.Tracing.Sampler] {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q (must be always, never, ratio, or parent)", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sample_ratio",
				Message: "sample ratio must be between 0.0 and 1.0",
			})
		}
		if cfg.Tracing.Exporter != "otlp" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.exporter",
				Message: fmt.Sprintf("unsupported exporter %q (must be otlp)", cfg.Tracing.Exporter),
			})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "endpoint is required when tracing is enabled",
			})
		}
	}

	if cfg.Health.Enabled {
		for field, path := range map[string]string{
			"telemetry.health.liveness_path":  cfg.Health.LivenessPath,
			"telemetry.health.readiness_path": cfg.Health.ReadinessPath,
			"telemetry.health.backends_path":  cfg.Health.BackendsPath,
		} {
			if !strings.HasPrefix(path, "/") {
				errs = append(errs, FieldError{Field: field, Message: "path must start with /"})
			}
		}
		if cfg.Health.MinActiveAddresses < 0 {
			errs = append(errs, FieldError{
				Field:   "telemetry.health.min_active_addresses",
				Message: "min active addresses must be non-negative",
			})
		}
	}

	return errs
}
