package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer (memory, file, redis, hybrid)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nse_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nse_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks degraded cache operations
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nse_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"layer", "operation"}, // "get", "set", "delete", "clear", "sweep"
	)

	// CacheEvictions tracks entries removed by expiry or corruption
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nse_cache_evictions_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"layer", "reason"}, // "expired", "corrupt"
	)

	// CachePromotions tracks durable hits copied into memory
	CachePromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nse_cache_promotions_total",
			Help: "Total number of durable-tier hits promoted into memory",
		},
	)
)
