package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/reconcile"
)

var errRevoked = errors.New("synchronization revoked")

const finalizeTimeout = 10 * time.Second

// RunnerConfig holds heartbeat tunables.
type RunnerConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger overrides the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner executes claimed jobs on a worker.
type Runner struct {
	jobs   domain.JobRepository
	users  domain.UserRepository
	engine Synchronizer
	cfg    RunnerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner constructs a Runner.
func NewRunner(jobs domain.JobRepository, users domain.UserRepository, engine Synchronizer, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	r := &Runner{
		jobs:   jobs,
		users:  users,
		engine: engine,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run claims the job and drives it to a final state. A job that is already
// owned by a live worker, finished, or revoked is skipped. Run returns an
// error only when the job should be delivered again.
func (r *Runner) Run(ctx context.Context, req Request) error {
	logger := r.logger.With(slog.String("job_id", req.JobID), slog.String("user", req.Email))

	now := r.now()
	claimed, err := r.jobs.Claim(ctx, req.JobID, now, now.Add(-r.cfg.HeartbeatTimeout))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("dropping request for unknown job")
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		logger.Info("job not claimable, skipping")
		return nil
	}

	started := r.now()
	logger.Info("synchronization started")

	user, err := r.users.GetUser(ctx, req.Email)
	if err != nil {
		r.finish(ctx, logger, req.JobID, started, domain.SyncResult{}, fmt.Errorf("load user: %w", err))
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	heartbeatDone := make(chan struct{})
	go r.heartbeat(runCtx, cancel, req.JobID, logger, heartbeatDone)

	sink := reconcile.ProgressFunc(func(ctx context.Context, progress domain.Progress) {
		if err := r.jobs.UpdateProgress(ctx, req.JobID, progress, r.now()); err != nil {
			logger.Warn("record progress", slog.String("error", err.Error()))
		}
	})
	result, syncErr := r.engine.Synchronize(runCtx, user, sink)
	revoked := errors.Is(context.Cause(runCtx), errRevoked)
	cancel(nil)
	<-heartbeatDone

	switch {
	case syncErr != nil && revoked:
		syncErr = errRevoked
	case syncErr != nil && ctx.Err() != nil:
		return r.requeue(ctx, logger, req.JobID, syncErr)
	}
	r.finish(ctx, logger, req.JobID, started, result, syncErr)
	return nil
}

func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := r.jobs.Touch(ctx, jobID, r.now())
			if err != nil {
				logger.Warn("heartbeat", slog.String("error", err.Error()))
				continue
			}
			if cancelled {
				logger.Info("cancellation requested, stopping")
				cancel(errRevoked)
				return
			}
		}
	}
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, jobID string, started time.Time, result domain.SyncResult, runErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	now := r.now()
	durationHistogram.Observe(now.Sub(started).Seconds())

	var (
		state = domain.JobStateSuccess
		err   error
	)
	switch {
	case runErr == nil:
		err = r.jobs.Complete(ctx, jobID, result, now)
		logger.Info("synchronization succeeded",
			slog.Int("new_activities", result.NewActivities),
			slog.Int("total_activities", result.TotalActivities),
		)
	case errors.Is(runErr, errRevoked):
		state = domain.JobStateRevoked
		err = r.jobs.MarkRevoked(ctx, jobID, now)
		logger.Info("synchronization revoked")
	default:
		state = domain.JobStateFailure
		err = r.jobs.Fail(ctx, jobID, runErr.Error(), now)
		logger.Error("synchronization failed", slog.String("error", runErr.Error()))
	}
	finishedCounter.WithLabelValues(string(state)).Inc()
	if err != nil {
		logger.Error("record final state", slog.String("state", string(state)), slog.String("error", err.Error()))
	}
}

func (r *Runner) requeue(ctx context.Context, logger *slog.Logger, jobID string, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	logger.Warn("worker stopping, handing job back", slog.String("error", runErr.Error()))
	if err := r.jobs.Requeue(ctx, jobID, r.now()); err != nil {
		logger.Error("requeue job", slog.String("error", err.Error()))
	}
	return fmt.Errorf("job %s interrupted: %w", jobID, runErr)
}
