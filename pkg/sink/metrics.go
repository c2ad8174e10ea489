package sink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_rows_total",
			Help: "Total number of result rows appended by sink and table",
		},
		[]string{"sink", "table"},
	)

	sinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_errors_total",
			Help: "Total number of sink operation errors",
		},
		[]string{"sink"},
	)
)
