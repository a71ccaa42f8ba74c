package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks id lookups served from the cache.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_cache_hits_total",
			Help: "Total number of alert cache hits",
		},
	)

	// CacheMisses tracks id lookups not found in the cache.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_cache_misses_total",
			Help: "Total number of alert cache misses",
		},
	)

	// CacheSize tracks the number of cached alerts.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertfeed_cache_size",
			Help: "Current number of alerts in the cache",
		},
	)

	// CacheInserts tracks alerts added under an id not previously cached.
	CacheInserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_cache_inserts_total",
			Help: "Total number of new alerts added to the cache",
		},
	)

	// CacheEvictions tracks alerts dropped by the size bound.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_cache_evictions_total",
			Help: "Total number of alerts evicted by the size bound",
		},
	)
)
