package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	importedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "reconcile",
		Name:      "activities_imported_total",
		Help:      "Number of activities imported from the provider.",
	})

	removedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "reconcile",
		Name:      "activities_removed_total",
		Help:      "Number of stored activities removed because the provider no longer reports them.",
	})
)

func init() {
	prometheus.MustRegister(importedCounter, removedCounter)
}
