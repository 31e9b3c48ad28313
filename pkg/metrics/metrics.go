// Package metrics exposes the Prometheus metrics of the MangaDex client.
// All metrics are defined in their respective packages (client, auth, ratelimit, pagination)
// to maintain modularity and avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the MangaDex client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry collected.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the client metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Names lists every metric the client registers.
func Names() []string {
	return []string{
		"mangadex_requests_total",
		"mangadex_request_duration_seconds",
		"mangadex_ratelimit_rejections_total",
		"mangadex_retries_total",
		"mangadex_retry_backoff_seconds",
		"mangadex_retry_exhausted_total",
		"mangadex_ratelimit_remaining",
		"mangadex_ratelimit_wait_seconds",
		"mangadex_throttle_sleeps_total",
		"mangadex_session_acquisitions_total",
		"mangadex_pages_fetched_total",
		"mangadex_prefetch_inflight",
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - mangadex_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - mangadex_request_duration_seconds{method} (Histogram): Request duration by method
//   - mangadex_ratelimit_rejections_total{rule} (Counter): Requests refused locally with sleep disabled
//
// Retry Metrics (pkg/client):
//   - mangadex_retries_total{reason} (Counter): Retry attempts by reason
//   - mangadex_retry_backoff_seconds{reason} (Histogram): Pause before a retry
//   - mangadex_retry_exhausted_total{reason} (Counter): Requests that spent the retry budget
//
// Rate Limit Metrics (pkg/ratelimit):
//   - mangadex_ratelimit_remaining{rule} (Gauge): Calls left in the current window
//   - mangadex_ratelimit_wait_seconds{rule} (Histogram): Time spent waiting for a window reset
//   - mangadex_throttle_sleeps_total (Counter): Pauses forced by the global throttle
//
// Session Metrics (pkg/auth):
//   - mangadex_session_acquisitions_total{method, outcome} (Counter): Refresh and login attempts
//
// Listing Metrics (pkg/pagination):
//   - mangadex_pages_fetched_total (Counter): Listing pages fetched and decoded
//   - mangadex_prefetch_inflight (Gauge): Page prefetches in flight
//
// Example Prometheus Queries:
//
//   # Refresh failures
//   rate(mangadex_session_acquisitions_total{outcome="failure"}[5m])
//
//   # Routes close to their quota
//   mangadex_ratelimit_remaining < 5
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(mangadex_request_duration_seconds_bucket[5m]))
