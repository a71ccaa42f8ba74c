// Package metrics exposes the Prometheus registry used by the alert feed.
// Metrics are defined in their owning packages (client, token, ratelimit,
// cache, pagination, poll) and registered via promauto; this package
// documents them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the alert feed.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - alertfeed_requests_total{route, status} (Counter)
//   - alertfeed_request_duration_seconds{route} (Histogram)
//   - alertfeed_errors_total{class} (Counter): client, server, rate_limit, auth, network
//   - alertfeed_token_refreshes_total (Counter): refreshes forced by a 401
//   - alertfeed_retries_total{error_class} (Counter)
//   - alertfeed_retry_backoff_seconds{error_class} (Histogram)
//   - alertfeed_retry_exhausted_total{error_class} (Counter)
//
// Token Metrics (pkg/token):
//   - alertfeed_token_requests_total{result} (Counter): issued, failed
//   - alertfeed_token_cache_hits_total (Counter)
//
// Quota Metrics (pkg/ratelimit):
//   - alertfeed_quota_limit (Gauge)
//   - alertfeed_quota_remaining (Gauge)
//   - alertfeed_rate_limit_waits_total (Counter)
//   - alertfeed_rate_limit_wait_seconds (Histogram)
//
// Cache Metrics (pkg/cache):
//   - alertfeed_cache_hits_total (Counter)
//   - alertfeed_cache_misses_total (Counter)
//   - alertfeed_cache_size (Gauge)
//   - alertfeed_cache_inserts_total (Counter)
//   - alertfeed_cache_evictions_total (Counter)
//
// Pagination Metrics (pkg/pagination):
//   - alertfeed_pages_fetched_total{mode} (Counter): count, cursor, search
//   - alertfeed_pages_rate_limited_total (Counter): pages emptied by exhausted 429s
//   - alertfeed_alerts_skipped_total (Counter): undecodable listing entries
//   - alertfeed_walk_pages (Histogram)
//
// Poll Metrics (pkg/poll):
//   - alertfeed_poll_cycles_total{result} (Counter)
//   - alertfeed_poll_cycle_duration_seconds (Histogram)
//   - alertfeed_poll_skipped_total (Counter): ticks skipped while a cycle ran
//   - alertfeed_poll_alerts_ingested_total (Counter)
//   - alertfeed_poll_watermark_timestamp_seconds (Gauge)
//   - alertfeed_poll_state (Gauge): 0 uninitialized, 1 bootstrapping, 2 steady
//
// Sink Metrics (pkg/sink/natssink):
//   - alertfeed_sink_published_total{result} (Counter): ok, error
//
// Proxy Metrics (cmd/alertfeed-proxy):
//   - alertfeed_proxy_requests_total{method, route, status} (Counter)
//   - alertfeed_proxy_request_duration_seconds{method, route} (Histogram)
//
// Example Prometheus Queries:
//
//   # Quota headroom
//   alertfeed_quota_remaining / alertfeed_quota_limit
//
//   # Poll failure rate
//   rate(alertfeed_poll_cycles_total{result="failure"}[15m])
//
//   # Ingestion lag
//   time() - alertfeed_poll_watermark_timestamp_seconds
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(alertfeed_request_duration_seconds_bucket[5m]))
