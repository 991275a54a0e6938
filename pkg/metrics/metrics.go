// Package metrics provides the Prometheus registry and the catalogue of
// harvester metrics. Metrics are defined in their respective packages
// and registered there via promauto to avoid circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Catalogue lists every harvester metric by the package that defines it.
var Catalogue = map[string][]string{
	"client": {
		"harvest_requests_total",
		"harvest_request_duration_seconds",
		"harvest_retry_rounds_total",
		"harvest_retry_backoff_seconds",
		"harvest_retry_exhausted_total",
		"harvest_run_errors_total",
	},
	"credentials": {
		"harvest_credentials_available",
	},
	"limiter": {
		"harvest_inflight_requests",
		"harvest_limiter_wait_seconds",
	},
	"ratelimit": {
		"harvest_quota_remaining",
		"harvest_quota_warnings_total",
	},
	"partition": {
		"harvest_range_calls_total",
		"harvest_range_drilldowns_total",
		"harvest_range_truncated_total",
		"harvest_range_cache_hits_total",
	},
	"cache": {
		"harvest_cache_hits_total",
		"harvest_cache_misses_total",
		"harvest_cache_written_bytes_total",
		"harvest_cache_errors_total",
	},
	"pipeline": {
		"harvest_pipeline_batches_total",
		"harvest_pipeline_records_total",
		"harvest_pipeline_batch_duration_seconds",
	},
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - harvest_requests_total{endpoint, outcome} (Counter): Attempts by endpoint and outcome kind
//   - harvest_request_duration_seconds{endpoint} (Histogram): Attempt duration by endpoint
//   - harvest_run_errors_total (Counter): Failed attempts plus exhausted retries, all runs
//
// Retry Metrics (pkg/client):
//   - harvest_retry_rounds_total{endpoint} (Counter): Failed rounds followed by a backoff
//   - harvest_retry_backoff_seconds{endpoint} (Histogram): Backoff duration between rounds
//   - harvest_retry_exhausted_total{endpoint} (Counter): Fetches that failed every round
//
// Concurrency Metrics (pkg/limiter, pkg/credentials):
//   - harvest_inflight_requests (Gauge): Slots currently held
//   - harvest_limiter_wait_seconds (Histogram): Time spent waiting for a slot
//   - harvest_credentials_available{group} (Gauge): Idle credentials per group
//
// Quota Metrics (pkg/ratelimit):
//   - harvest_quota_remaining{group} (Gauge): Last X-RateLimit-Remaining per group
//   - harvest_quota_warnings_total{group} (Counter): Responses below the warning threshold
//
// Partition Metrics (pkg/partition):
//   - harvest_range_calls_total{granularity} (Counter): Single-range calls
//   - harvest_range_drilldowns_total{granularity} (Counter): Ranges re-queried finer
//   - harvest_range_truncated_total (Counter): Ranges accepted at the cap at the finest level
//   - harvest_range_cache_hits_total (Counter): Ranges served from the cache
//
// Cache Metrics (pkg/cache):
//   - harvest_cache_hits_total{layer="redis"} (Counter): Cache hits by layer
//   - harvest_cache_misses_total (Counter): Cache misses
//   - harvest_cache_written_bytes_total{layer="redis"} (Counter): Bytes written
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pipeline Metrics (pkg/pipeline):
//   - harvest_pipeline_batches_total (Counter): Batches appended to the store
//   - harvest_pipeline_records_total{result} (Counter): Records written, failed, skipped
//   - harvest_pipeline_batch_duration_seconds (Histogram): Wall time per batch
//
// Example Prometheus Queries:
//
//   # Rate-limited share of attempts
//   sum(rate(harvest_requests_total{outcome="rate_limited"}[5m])) /
//   sum(rate(harvest_requests_total[5m]))
//
//   # Credential groups close to their quota
//   harvest_quota_remaining < 100
//
//   # P95 attempt latency
//   histogram_quantile(0.95, rate(harvest_request_duration_seconds_bucket[5m]))
//
//   # Exhausted endpoints per minute
//   sum by (endpoint) (rate(harvest_retry_exhausted_total[1m])) * 60
