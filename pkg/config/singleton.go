package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// The process-wide configuration. Initialize stores the first one,
// ReloadConfig swaps in later ones and notifies the OnReload subscribers.
var (
	current    atomic.Pointer[Config]
	generation atomic.Uint64
	initOnce   sync.Once

	hooksMu sync.Mutex
	hooks   = map[uint64]func(*Config){}
	nextID  uint64
)

// Initialize loads the configuration at path with environment overrides and
// stores it as the global configuration. Only the first call loads anything;
// later calls return nil without touching the stored value.
func Initialize(path string) error {
	var initErr error

	initOnce.Do(func() {
		cfg, err := LoadConfigWithEnvOverrides(path)
		if err != nil {
			initErr = err
			return
		}
		store(cfg)
	})

	return initErr
}

// GetConfig returns the global configuration, nil before Initialize.
func GetConfig() *Config {
	return current.Load()
}

// MustGetConfig is GetConfig for code that runs after a successful
// Initialize. It panics otherwise.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}

// SetConfig replaces the global configuration without notifying
// subscribers. Tests use it to inject a configuration.
func SetConfig(cfg *Config) {
	store(cfg)
}

// Generation counts the configurations stored so far. It changes on every
// Initialize, SetConfig and successful ReloadConfig.
func Generation() uint64 {
	return generation.Load()
}

// ReloadConfig loads path and, if it is valid, makes it the global
// configuration and calls every OnReload subscriber with it. A failed reload
// keeps the previous configuration.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	store(cfg)

	hooksMu.Lock()
	fns := make([]func(*Config), 0, len(hooks))
	for _, fn := range hooks {
		fns = append(fns, fn)
	}
	hooksMu.Unlock()

	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

// OnReload registers fn to run after each successful ReloadConfig. The
// returned function unregisters it.
func OnReload(fn func(*Config)) (cancel func()) {
	hooksMu.Lock()
	defer hooksMu.Unlock()

	nextID++
	id := nextID
	hooks[id] = fn
	return func() {
		hooksMu.Lock()
		delete(hooks, id)
		hooksMu.Unlock()
	}
}

func store(cfg *Config) {
	current.Store(cfg)
	generation.Add(1)
}
