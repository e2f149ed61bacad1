package metrics

import (
	"strconv"
	"sync"
	"time"

	"mercator-hq/conduit/pkg/backend"
	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// otherLabel replaces label values once the cardinality limit is reached.
const otherLabel = "other"

// Collector is the single entry point for the proxy's Prometheus metrics.
// It owns a private registry so that several engines in one process (and
// tests) do not collide on the default one.
//
// Every method is safe on a nil *Collector and on a disabled one, so the
// engine can record unconditionally.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	requestMetrics *RequestMetrics
	backendMetrics *BackendMetrics
	cacheMetrics   *CacheMetrics
	gateMetrics    *GateMetrics
	healthMetrics  *HealthMetrics

	// Cardinality tracking for address labels
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a metrics collector. If registry is nil a new one is
// created and the Go runtime and process collectors are added to it.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := *cfg
	if c.Namespace == "" {
		c.Namespace = config.DefaultMetricsNamespace
	}
	if c.Subsystem == "" {
		c.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(c.RequestDurationBuckets) == 0 {
		c.RequestDurationBuckets = config.DefaultRequestDurationBuckets
	}

	return &Collector{
		config:             &c,
		registry:           registry,
		requestMetrics:     NewRequestMetrics(&c, registry),
		backendMetrics:     NewBackendMetrics(&c, registry),
		cacheMetrics:       NewCacheMetrics(&c, registry),
		gateMetrics:        NewGateMetrics(&c, registry),
		healthMetrics:      NewHealthMetrics(&c, registry),
		cardinalityLimiter: NewCardinalityLimiter(10000),
	}
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordRequest records a finished proxy session. A status of zero means no
// response was produced and is reported as "none".
func (c *Collector) RecordRequest(backendName string, status int, duration time.Duration) {
	if !c.enabled() {
		return
	}
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.requestMetrics.RecordRequest(backendName, code, duration)
}

// RecordRedirect records an internal redirect requested by a backend.
func (c *Collector) RecordRedirect(backendName, kind string) {
	if !c.enabled() {
		return
	}
	c.requestMetrics.RecordRedirect(backendName, kind)
}

// RecordCodecError records a malformed backend response.
func (c *Collector) RecordCodecError(protocol string) {
	if !c.enabled() {
		return
	}
	c.requestMetrics.RecordCodecError(protocol)
}

// RecordRestart records a session that was moved to another connection.
//
// Parameters:
//   - backendName: backend the session belongs to
//   - reason: "connect_failed", "write_closed" or "read_closed"
func (c *Collector) RecordRestart(backendName, reason string) {
	if !c.enabled() {
		return
	}
	c.backendMetrics.RecordRestart(backendName, reason)
}

// RecordConnectFailure records a failed connect to one address.
func (c *Collector) RecordConnectFailure(backendName, address string) {
	if !c.enabled() {
		return
	}
	c.backendMetrics.RecordConnectFailure(backendName, c.limitAddress(backendName, address))
}

// RecordPause records a session whose backend reads were paused because its
// client fell behind.
func (c *Collector) RecordPause(backendName string) {
	if !c.enabled() {
		return
	}
	c.backendMetrics.RecordReadPause(backendName)
}

// UpdateBackend publishes the pool, backlog and address state of a backend.
func (c *Collector) UpdateBackend(s backend.Snapshot) {
	if !c.enabled() {
		return
	}
	addrs := make([]backend.AddressSnapshot, len(s.Addresses))
	for i, a := range s.Addresses {
		a.Name = c.limitAddress(s.Name, a.Name)
		addrs[i] = a
	}
	s.Addresses = addrs
	c.backendMetrics.Update(s)
}

// RecordFileCache records an X-Sendfile cache lookup.
func (c *Collector) RecordFileCache(hit bool) {
	c.RecordCacheLookup(CacheFile, hit)
}

// RecordFileCacheEviction records an entry leaving the X-Sendfile cache.
func (c *Collector) RecordFileCacheEviction(reason string) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.RecordEviction(CacheFile, reason)
}

// UpdateFileCacheSize publishes the number of open cached files.
func (c *Collector) UpdateFileCacheSize(size int) {
	c.UpdateCacheSize(CacheFile, size)
}

// UpdateCacheSize publishes the number of entries of the named cache.
func (c *Collector) UpdateCacheSize(cacheName string, size int) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.UpdateSize(cacheName, size)
}

// RecordCacheLookup records a hit or miss on the named cache.
func (c *Collector) RecordCacheLookup(cacheName string, hit bool) {
	if !c.enabled() {
		return
	}
	c.cacheMetrics.RecordLookup(cacheName, hit)
}

// RecordGateDecision records a download gate outcome ("granted", "allowed",
// "denied").
func (c *Collector) RecordGateDecision(decision string) {
	if !c.enabled() {
		return
	}
	c.gateMetrics.RecordDecision(decision)
}

// UpdateGateTickets publishes the number of live download tickets.
func (c *Collector) UpdateGateTickets(n int) {
	if !c.enabled() {
		return
	}
	c.gateMetrics.UpdateTickets(n)
}

// RecordHealthCheck publishes the outcome of a readiness check.
func (c *Collector) RecordHealthCheck(check string, healthy bool) {
	if !c.enabled() {
		return
	}
	c.healthMetrics.Record(check, healthy)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) limitAddress(backendName, address string) string {
	if c.cardinalityLimiter.Allow(backendName + "|" + address) {
		return address
	}
	return otherLabel
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label combinations per metric.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow checks if a label set is allowed. Returns true if the label set
// already exists or if we haven't reached the cardinality limit yet.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
