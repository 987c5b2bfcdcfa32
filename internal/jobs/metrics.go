package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	launchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "jobs",
		Name:      "launch_requests_total",
		Help:      "Synchronization requests grouped by outcome (launched, attached, recovered, enqueue_failed).",
	}, []string{"outcome"})

	finishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Synchronization jobs by final state.",
	}, []string{"state"})

	durationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activitysync",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of synchronization runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	})

	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "jobs",
		Name:      "local_queue_depth",
		Help:      "Requests buffered in the in-process queue.",
	})
)

func init() {
	prometheus.MustRegister(launchCounter, finishedCounter, durationHistogram, queueDepthGauge)
}
