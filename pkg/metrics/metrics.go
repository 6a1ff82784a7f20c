// Package metrics provides the centralized Prometheus registry reference for
// the ticket aggregation engine. All metrics are defined in their respective
// packages (httpx, cache, ratelimit, aggregator) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the engine.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Budget Metrics (pkg/ratelimit):
//   - tracker_budget_remaining{provider} (Gauge): Requests remaining in the provider's window
//   - tracker_budget_blocks_total{provider} (Counter): Requests blocked on critical budget
//   - tracker_budget_throttles_total{provider} (Counter): Requests throttled on low budget
//
// Cache Metrics (pkg/cache):
//   - tracker_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - tracker_cache_misses_total (Counter): Cache misses
//   - tracker_cache_size_bytes{layer="redis"} (Gauge): Current cache size in bytes
//   - tracker_304_responses_total (Counter): 304 Not Modified responses
//   - tracker_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//   - tracker_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/httpx):
//   - tracker_requests_total{provider, status} (Counter): Requests by provider and HTTP status
//   - tracker_request_duration_seconds{provider} (Histogram): Request duration by provider
//   - tracker_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/httpx):
//   - tracker_retries_total{error_class} (Counter): Retry attempts by error class
//   - tracker_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - tracker_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Aggregation Metrics (pkg/aggregator):
//   - aggregation_pages_total{outcome} (Counter): Page requests by outcome (full, short, error)
//   - aggregation_rounds_per_page (Histogram): Fetch rounds needed per page
//   - aggregation_page_items (Histogram): Tickets returned per page
//   - aggregation_provider_errors_total{provider_kind} (Counter): Absorbed provider failures
//   - aggregation_provider_fetch_seconds{provider_kind} (Histogram): Per-provider fetch duration
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(tracker_cache_hits_total[5m])) /
//   (sum(rate(tracker_cache_hits_total[5m])) + sum(rate(tracker_cache_misses_total[5m])))
//
//   # Pages degraded by provider failures
//   rate(aggregation_provider_errors_total[5m])
//
//   # P95 page assembly latency by rounds
//   histogram_quantile(0.95, rate(aggregation_rounds_per_page_bucket[5m]))
//
//   # Providers close to their rate budget
//   tracker_budget_remaining < 50
