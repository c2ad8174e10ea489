package bulk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeSkipped   = "skipped"
	outcomeDiscarded = "discarded"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_tasks_total",
		Help: "Bulk task results by outcome",
	}, []string{"outcome"})

	groupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulk_group_duration_seconds",
		Help:    "Wall time of one bulk invocation",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bulk_workers_active",
		Help: "Bulk workers currently alive, including stragglers",
	})
)
