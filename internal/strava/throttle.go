package strava

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const quarterHour = 15 * time.Minute

// Throttle holds the pause window shared by every job calling the provider
// through the same client.
type Throttle struct {
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	mu          sync.Mutex
	pausedUntil time.Time
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithThrottleLogger sets the logger used for pause notices.
func WithThrottleLogger(logger *slog.Logger) ThrottleOption {
	return func(t *Throttle) {
		t.logger = logger
	}
}

// WithThrottleClock overrides the time source.
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		t.now = now
	}
}

// NewThrottle constructs a Throttle pausing once a usage ratio exceeds threshold.
func NewThrottle(threshold float64, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		threshold: threshold,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PausedUntil returns the current pause marker; zero means no pause.
func (t *Throttle) PausedUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pausedUntil
}

// Observe inspects the rate-limit headers of a response. When the daily
// usage of either limit class is above the threshold the pause is extended
// to the next UTC midnight, otherwise when the short-window usage is above
// it the pause is extended to the next 15-minute boundary.
func (t *Throttle) Observe(header http.Header, now time.Time) time.Time {
	short, daily, ok := usageRatios(header)
	if !ok {
		return t.PausedUntil()
	}

	var candidate time.Time
	switch {
	case daily > t.threshold:
		candidate = nextMidnight(now)
	case short > t.threshold:
		candidate = nextQuarterHour(now)
	}
	return t.extend(candidate, "usage", short, daily)
}

// PauseUntil extends the pause to at least until.
func (t *Throttle) PauseUntil(until time.Time) time.Time {
	return t.extend(until, "rejected", 0, 0)
}

func (t *Throttle) extend(candidate time.Time, reason string, short, daily float64) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if candidate.After(t.pausedUntil) {
		t.pausedUntil = candidate
		throttlePauses.WithLabelValues(reason).Inc()
		t.logger.Info("provider calls on hold",
			slog.Time("until", candidate),
			slog.String("reason", reason),
			slog.Float64("short_usage", short),
			slog.Float64("daily_usage", daily),
		)
	}
	return t.pausedUntil
}

// Wait blocks until the pause marker has passed, then clears it.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		until := t.pausedUntil
		now := t.now()
		if !until.After(now) {
			t.pausedUntil = time.Time{}
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		wait := until.Sub(now)
		t.logger.Info("waiting for provider rate limit window",
			slog.Duration("wait", wait),
			slog.Time("until", until),
		)
		throttleWaitSeconds.Add(wait.Seconds())
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// usageRatios returns the highest short-window and daily ratios across the
// overall and read limit classes.
func usageRatios(header http.Header) (short, daily float64, ok bool) {
	pairs := [][2]string{
		{"X-RateLimit-Limit", "X-RateLimit-Usage"},
		{"X-ReadRateLimit-Limit", "X-ReadRateLimit-Usage"},
	}
	for _, pair := range pairs {
		limits, okLimit := parseCounters(header.Get(pair[0]))
		usage, okUsage := parseCounters(header.Get(pair[1]))
		if !okLimit || !okUsage {
			continue
		}
		ok = true
		if limits[0] > 0 {
			short = max(short, usage[0]/limits[0])
		}
		if limits[1] > 0 {
			daily = max(daily, usage[1]/limits[1])
		}
	}
	return short, daily, ok
}

func parseCounters(value string) ([2]float64, bool) {
	var out [2]float64
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return out, false
	}
	for i, part := range parts {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return out, false
		}
		out[i] = parsed
	}
	return out, true
}

func nextMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
}

func nextQuarterHour(now time.Time) time.Time {
	return now.UTC().Truncate(quarterHour).Add(quarterHour)
}
