// Package config provides configuration management for Conduit.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("conduit.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("conduit.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention CONDUIT_SECTION_FIELD:
//
//   - CONDUIT_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - CONDUIT_ENGINE_CONNECT_TIMEOUT overrides engine.connect_timeout
//   - CONDUIT_BACKENDS_APP_ADDRESSES overrides the addresses of backend "app"
//     (comma separated)
//   - CONDUIT_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Hot Reload
//
// Watcher reloads the file on change through ReloadConfig. Only settings
// read per request (log level, vhost and gate switches) take effect without
// a restart; backends and engine settings are fixed at startup.
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//
//	backends:
//	  - name: app
//	    match: /
//	    protocol: http
//	    addresses: ["127.0.0.1:9000", "127.0.0.1:9001"]
//	    balancer: round-robin
//	    max_pool_size: 16
//
//	  - name: php
//	    match: /php/
//	    protocol: fastcgi
//	    addresses: ["unix:/run/php-fpm.sock"]
//	    document_root: /srv/www
//	    allow_x_sendfile: true
//
//	telemetry:
//	  logging:
//	    level: "info"
//	    format: "json"
package config
