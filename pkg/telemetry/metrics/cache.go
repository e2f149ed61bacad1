package metrics

import (
	"mercator-hq/conduit/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache names used as the "cache" label.
const (
	CacheFile  = "file"
	CacheVHost = "vhost"
)

// CacheMetrics covers the X-Sendfile file cache and the virtual host
// snapshot. Both report lookups and size; the file cache also reports why
// entries leave it.
//
//	rate(conduit_proxy_cache_hits_total{cache="file"}[5m]) /
//	(rate(conduit_proxy_cache_hits_total{cache="file"}[5m]) +
//	 rate(conduit_proxy_cache_misses_total{cache="file"}[5m]))
type CacheMetrics struct {
	hitsTotal      *prometheus.CounterVec
	missesTotal    *prometheus.CounterVec
	evictionsTotal *prometheus.CounterVec
	entries        *prometheus.GaugeVec
}

// NewCacheMetrics creates the cache metrics and registers them.
func NewCacheMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *CacheMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	cm := &CacheMetrics{
		hitsTotal:      counter("cache_hits_total", "Cache lookups answered from the cache", "cache"),
		missesTotal:    counter("cache_misses_total", "Cache lookups that had to load the entry", "cache"),
		evictionsTotal: counter("cache_evictions_total", "Entries dropped from a cache by reason", "cache", "reason"),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "cache_entries",
			Help:      "Entries currently held by a cache",
		}, []string{"cache"}),
	}

	registry.MustRegister(cm.hitsTotal, cm.missesTotal, cm.evictionsTotal, cm.entries)
	return cm
}

// RecordLookup counts a hit or a miss.
func (cm *CacheMetrics) RecordLookup(cacheName string, hit bool) {
	if hit {
		cm.hitsTotal.WithLabelValues(cacheName).Inc()
		return
	}
	cm.missesTotal.WithLabelValues(cacheName).Inc()
}

// RecordEviction counts one dropped entry.
func (cm *CacheMetrics) RecordEviction(cacheName, reason string) {
	cm.evictionsTotal.WithLabelValues(cacheName, reason).Inc()
}

// UpdateSize sets the entry count.
func (cm *CacheMetrics) UpdateSize(cacheName string, size int) {
	cm.entries.WithLabelValues(cacheName).Set(float64(size))
}
