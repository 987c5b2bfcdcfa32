package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityImportedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "persistence",
		Name:      "last_activity_imported_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity imported into Postgres.",
	})
	syncCompletedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "persistence",
		Name:      "last_sync_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent synchronization job recorded as successful.",
	})
)

func init() {
	prometheus.MustRegister(activityImportedGauge, syncCompletedGauge)
}

// RecordActivityImported updates the import watermark gauge.
func RecordActivityImported(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityImportedGauge.Set(float64(ts.Unix()))
}

// RecordSyncCompleted updates the completed-synchronization watermark gauge.
func RecordSyncCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncCompletedGauge.Set(float64(ts.Unix()))
}
