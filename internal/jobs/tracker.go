package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"example.com/activitysync/internal/domain"
)

// launchTimeout bounds a launch shared by concurrent callers, which must not
// depend on the request context of whichever caller started it.
const launchTimeout = 30 * time.Second

// TrackerConfig holds liveness windows.
type TrackerConfig struct {
	// PendingTimeout is how long a queued job may wait for a worker.
	PendingTimeout time.Duration
	// HeartbeatTimeout is how stale a running job's heartbeat may get.
	HeartbeatTimeout time.Duration
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger overrides the tracker logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker maps each user to at most one live job.
type Tracker struct {
	jobs   domain.JobRepository
	users  domain.UserRepository
	queue  Queue
	cfg    TrackerConfig
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewTracker constructs a Tracker.
func NewTracker(jobs domain.JobRepository, users domain.UserRepository, queue Queue, cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 10 * time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	t := &Tracker{
		jobs:   jobs,
		users:  users,
		queue:  queue,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LaunchOrAttach returns the user's live job, or launches a new one when
// the previous job is finished, unknown, or abandoned.
func (t *Tracker) LaunchOrAttach(ctx context.Context, user *domain.User) (string, error) {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	id, err, _ := t.group.Do(email, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), launchTimeout)
		defer cancel()
		return t.launchOrAttach(ctx, email)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

func (t *Tracker) launchOrAttach(ctx context.Context, email string) (string, error) {
	user, err := t.users.GetUser(ctx, email)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}

	previous := user.ActiveJobID
	if previous != "" {
		job, err := t.jobs.Get(ctx, previous)
		switch {
		case err == nil && t.Alive(job):
			launchCounter.WithLabelValues("attached").Inc()
			t.logger.Debug("attached to live job", slog.String("user", email), slog.String("job_id", previous))
			return previous, nil
		case err == nil:
			if err := t.jobs.RequestCancel(ctx, previous, t.now()); err != nil {
				t.logger.Warn("cancel superseded job",
					slog.String("job_id", previous),
					slog.String("error", err.Error()),
				)
			}
		case !errors.Is(err, domain.ErrJobNotFound):
			return "", fmt.Errorf("load active job: %w", err)
		}
	}
	return t.launch(ctx, email, previous)
}

func (t *Tracker) launch(ctx context.Context, email, previous string) (string, error) {
	now := t.now()
	job := domain.SyncJob{
		ID:        t.newID(),
		UserEmail: email,
		State:     domain.JobStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	swapped, err := t.users.SwapActiveJob(ctx, email, previous, job.ID)
	if err != nil {
		_ = t.jobs.RequestCancel(ctx, job.ID, now)
		return "", fmt.Errorf("record active job: %w", err)
	}
	if !swapped {
		// Another process launched first; defer to its job.
		_ = t.jobs.RequestCancel(ctx, job.ID, now)
		current, err := t.users.GetUser(ctx, email)
		if err != nil {
			return "", fmt.Errorf("reload user: %w", err)
		}
		launchCounter.WithLabelValues("attached").Inc()
		return current.ActiveJobID, nil
	}

	if err := t.queue.Enqueue(ctx, Request{JobID: job.ID, Email: email}); err != nil {
		if failErr := t.jobs.Fail(ctx, job.ID, "could not queue the synchronization: "+err.Error(), t.now()); failErr != nil {
			t.logger.Error("fail unqueued job", slog.String("job_id", job.ID), slog.String("error", failErr.Error()))
		}
		launchCounter.WithLabelValues("enqueue_failed").Inc()
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	launchCounter.WithLabelValues("launched").Inc()
	t.logger.Info("synchronization launched",
		slog.String("user", email),
		slog.String("job_id", job.ID),
		slog.String("replaced", previous),
	)
	return job.ID, nil
}

// Recover hands every queued job back to the queue. It is meant for
// in-process queues, whose buffered requests do not survive a restart.
// Jobs that cannot be queued again are failed.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	queued, err := t.jobs.QueuedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	recovered := 0
	for _, job := range queued {
		// A fresh heartbeat keeps the job live while it waits again.
		if _, err := t.jobs.Touch(ctx, job.ID, t.now()); err != nil {
			return recovered, fmt.Errorf("touch job %s: %w", job.ID, err)
		}
		if err := t.queue.Enqueue(ctx, Request{JobID: job.ID, Email: job.UserEmail}); err != nil {
			if failErr := t.jobs.Fail(ctx, job.ID, "could not queue the synchronization: "+err.Error(), t.now()); failErr != nil {
				t.logger.Error("fail unqueued job", slog.String("job_id", job.ID), slog.String("error", failErr.Error()))
			}
			launchCounter.WithLabelValues("enqueue_failed").Inc()
			continue
		}
		launchCounter.WithLabelValues("recovered").Inc()
		recovered++
	}
	if recovered > 0 {
		t.logger.Info("queued synchronizations recovered", slog.Int("jobs", recovered))
	}
	return recovered, nil
}

// Alive reports whether job still counts as the user's in-flight job.
func (t *Tracker) Alive(job *domain.SyncJob) bool {
	if job == nil || job.CancelRequested {
		return false
	}
	age := t.now().Sub(job.UpdatedAt)
	switch {
	case job.State.Queued():
		return age < t.cfg.PendingTimeout
	case job.State.Running():
		return age < t.cfg.HeartbeatTimeout
	}
	return false
}

// Job loads a job by id.
func (t *Tracker) Job(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	return t.jobs.Get(ctx, jobID)
}

// Status returns the polling view of a job.
func (t *Tracker) Status(ctx context.Context, jobID string) (StatusView, error) {
	job, err := t.jobs.Get(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(job), nil
}

// ActiveJobID returns the user's job id while that job is alive.
func (t *Tracker) ActiveJobID(ctx context.Context, user *domain.User) string {
	if user.ActiveJobID == "" {
		return ""
	}
	job, err := t.jobs.Get(ctx, user.ActiveJobID)
	if err != nil || !t.Alive(job) {
		return ""
	}
	return job.ID
}

// Cancel asks the job to stop. Queued jobs are revoked at once, running
// jobs stop at their next heartbeat.
func (t *Tracker) Cancel(ctx context.Context, jobID string) error {
	if err := t.jobs.RequestCancel(ctx, jobID, t.now()); err != nil {
		return err
	}
	t.logger.Info("synchronization cancel requested", slog.String("job_id", jobID))
	return nil
}
