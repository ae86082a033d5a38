package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
)

var (
	metricOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sns",
		Name:      "operations_total",
		Help:      "Completed operations by type and terminal status.",
	}, []string{"type", "status"})
	metricOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sns",
		Name:      "operation_duration_seconds",
		Help:      "Wall clock duration of completed operations.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"type"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sns",
		Name:      "operations_rejected_total",
		Help:      "Operations rejected because one was already running for the account.",
	}, []string{"type"})
)

func recordOperation(t operation.Type, status operation.Status, elapsed time.Duration) {
	metricOperations.WithLabelValues(string(t), string(status)).Inc()
	metricOperationDuration.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

func recordRejected(t operation.Type) {
	metricRejected.WithLabelValues(string(t)).Inc()
}
