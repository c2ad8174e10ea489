package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for dispatch operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_requests_total",
		Help: "Total HTTP sends by client, method and outcome class",
	}, []string{"client", "method", "class"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_request_duration_seconds",
		Help:    "Duration of a logical request including retries, by client and method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"client", "method"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128, 256},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
