package strava

import "github.com/prometheus/client_golang/prometheus"

var (
	apiCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "strava",
		Name:      "api_calls_total",
		Help:      "Number of provider API calls grouped by endpoint and HTTP status.",
	}, []string{"endpoint", "status"})

	throttlePauses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "strava",
		Name:      "throttle_pauses_total",
		Help:      "Number of times the pause window was extended.",
	}, []string{"reason"})

	throttleWaitSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "strava",
		Name:      "throttle_wait_seconds_total",
		Help:      "Cumulative time callers spent waiting for the rate-limit window.",
	})

	tokenRefreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "strava",
		Name:      "token_refreshes_total",
		Help:      "Number of access token refreshes by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(apiCallCounter, throttlePauses, throttleWaitSeconds, tokenRefreshCounter)
}
