// Package metrics exposes the Prometheus registry the nse packages
// register into. Metrics are declared in their own packages via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every nse metric is created against.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - nse_requests_total{endpoint, status} (Counter): Upstream requests by endpoint and HTTP status
//   - nse_request_duration_seconds{endpoint} (Histogram): Upstream request duration
//   - nse_errors_total{kind} (Counter): Failures by kind (rate_limited, upstream, connection, timeout, parse)
//   - nse_session_bootstraps_total{result} (Counter): Session cookie bootstraps
//   - nse_requests_coalesced_total (Counter): Calls served by an identical in-flight request
//
// Retry Metrics (pkg/client):
//   - nse_retries_total{kind} (Counter): Retry attempts
//   - nse_retry_backoff_seconds{kind} (Histogram): Delay before each retry
//   - nse_retry_exhausted_total{kind} (Counter): Calls that used every attempt
//
// Rate Limit Metrics (pkg/ratelimit):
//   - nse_rate_limit_cooldowns_total (Counter): Cooldowns entered after a 429
//   - nse_rate_limit_rejections_total (Counter): Calls rejected during a cooldown
//   - nse_rate_limit_wait_seconds (Histogram): Time spent waiting for a token
//   - nse_rate_limit_healthy (Gauge): 0 while a cooldown is in effect
//
// Cache Metrics (pkg/cache):
//   - nse_cache_hits_total{layer} (Counter): Hits by layer (memory, file, redis)
//   - nse_cache_misses_total{layer} (Counter): Misses by layer
//   - nse_cache_errors_total{layer, operation} (Counter): Storage errors
//   - nse_cache_evictions_total{layer, reason} (Counter): Expired or corrupt entries removed
//   - nse_cache_promotions_total (Counter): Durable hits copied into memory
//
// Tracker and Feed Metrics (pkg/tracker, pkg/feed):
//   - nse_records_marked_total{category} (Counter): Records marked processed
//   - nse_records_duplicate_total (Counter): Marks rejected as duplicates
//   - nse_feed_polls_total{source, result} (Counter): Polls by source and result
//   - nse_feed_records_total{source, outcome} (Counter): Handled records by outcome
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(nse_cache_hits_total[5m])) /
//   (sum(rate(nse_cache_hits_total[5m])) + sum(rate(nse_cache_misses_total[5m])))
//
//   # Throttled by the upstream
//   nse_rate_limit_healthy == 0
//
//   # Error Rate by kind
//   sum by (kind) (rate(nse_errors_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(nse_request_duration_seconds_bucket[5m]))
