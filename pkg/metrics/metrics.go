// Package metrics exposes the collector's Prometheus metrics.
// Metrics are defined next to the code that updates them and registered via
// promauto on the default registry; this package serves them and documents
// what exists.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all packages register with.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - esi_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - esi_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - esi_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - esi_retries_total{error_class} (Counter): Retries by error class
//   - esi_retry_backoff_seconds{error_class} (Histogram): Backoff slept before a retry
//   - esi_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Pagination Metrics (pkg/pagination):
//   - esi_pages_fetched_total{endpoint} (Counter): Pages kept in a batch
//   - esi_pages_dropped_total{endpoint} (Counter): Pages dropped after their request failed
//   - esi_batch_duration_seconds{endpoint} (Histogram): Paginated fetch duration
//
// Load Metrics (pkg/store):
//   - esi_load_total{table, result} (Counter): Loads by result (success, failed, connectivity, invalid)
//   - esi_load_records_total{table} (Counter): Records merged
//   - esi_load_reconnects_total{table} (Counter): Database session rebuilds
//   - esi_load_duration_seconds{table} (Histogram): Committed load duration
//
// Collector Metrics (pkg/collector, pkg/scheduler):
//   - esi_collector_runs_total{collector, state} (Counter): Runs by final state
//   - esi_collector_run_duration_seconds{collector} (Histogram): Run duration
//   - esi_collector_records_total{collector} (Counter): Records produced
//   - esi_scheduler_skipped_total{collector} (Counter): Triggers skipped before expiry
//
// Next-Refresh Metrics (pkg/cache):
//   - esi_expiry_hits_total (Counter): Markers found
//   - esi_expiry_misses_total (Counter): Lookups without a marker
//   - esi_expiry_errors_total{operation} (Counter): Marker operation errors
//
// Error Limit Metrics (pkg/ratelimit):
//   - esi_errors_remaining (Gauge): Errors remaining in the ESI error limit window
//   - esi_rate_limit_blocks_total (Counter): Requests blocked at the critical threshold
//   - esi_rate_limit_throttles_total (Counter): Requests throttled at the warning threshold
//
// Example Prometheus Queries:
//
//   # Share of pages dropped
//   sum(rate(esi_pages_dropped_total[1h])) /
//   (sum(rate(esi_pages_fetched_total[1h])) + sum(rate(esi_pages_dropped_total[1h])))
//
//   # Failed runs
//   increase(esi_collector_runs_total{state="failed"}[1h]) > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(esi_request_duration_seconds_bucket[5m]))
