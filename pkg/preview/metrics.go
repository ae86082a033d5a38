package preview

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sns",
		Name:      "preview_subscribers",
		Help:      "Number of live preview subscriber connections.",
	})
	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sns",
		Name:      "preview_frames_sent_total",
		Help:      "Preview frames delivered to subscriber buffers.",
	})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sns",
		Name:      "preview_frames_dropped_total",
		Help:      "Preview frames dropped because a subscriber buffer was full.",
	})
	metricStepTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sns",
		Name:      "preview_step_teardowns_total",
		Help:      "Subscribers torn down because ordered step delivery stalled.",
	})
)

func recordSubscriberChange(delta float64) {
	metricSubscribers.Add(delta)
}

func recordFrameSent() {
	metricFramesSent.Inc()
}

func recordFrameDropped() {
	metricFramesDropped.Inc()
}

func recordStepTeardown() {
	metricStepTeardowns.Inc()
}
