// Package metrics exposes the Prometheus registry used by the scheduler.
// Metrics are defined in their respective packages (ratelimit, client, bulk,
// sink) and registered via promauto, so this package only serves them and
// documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Limiter Metrics (pkg/ratelimit):
//   - dispatch_limiter_wait_seconds{limiter} (Histogram): Time spent waiting for a limiter
//   - dispatch_limiter_in_flight{limiter} (Gauge): Permits currently held
//
// Request Metrics (pkg/client):
//   - dispatch_requests_total{client, method, class} (Counter): Sends by outcome class
//   - dispatch_request_duration_seconds{client, method} (Histogram): Logical request duration including retries
//
// Retry Metrics (pkg/client):
//   - dispatch_retries_total{error_class} (Counter): Retry attempts by error class
//   - dispatch_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - dispatch_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Bulk Metrics (pkg/bulk):
//   - bulk_tasks_total{outcome} (Counter): success, error, timeout, skipped, discarded
//   - bulk_group_duration_seconds (Histogram): Wall time of one bulk invocation
//   - bulk_workers_active (Gauge): Live bulk workers, including stragglers
//
// Sink Metrics (pkg/sink):
//   - sink_rows_total{sink, table} (Counter): Rows appended
//   - sink_errors_total{sink} (Counter): Sink operation errors
//
// Example Prometheus Queries:
//
//   # Server error rate towards MIPS
//   sum(rate(dispatch_requests_total{client="mips",class="server"}[5m]))
//
//   # Limiter saturation
//   histogram_quantile(0.95, rate(dispatch_limiter_wait_seconds_bucket[5m]))
//
//   # Devices timed out per run
//   increase(bulk_tasks_total{outcome=~"timeout|skipped"}[1h])
