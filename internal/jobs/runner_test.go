package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/memory"
	"example.com/activitysync/internal/reconcile"
)

type engineFunc func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error)

func (f engineFunc) Synchronize(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
	return f(ctx, user, sink)
}

func newRunnerFixture(t *testing.T, engine Synchronizer) (*Runner, *memory.Store, Request) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.SaveUser(ctx, domain.User{Email: email}))
	now := time.Now()
	require.NoError(t, store.Create(ctx, domain.SyncJob{
		ID: "job-1", UserEmail: email, State: domain.JobStatePending, CreatedAt: now, UpdatedAt: now,
	}))
	runner := NewRunner(store, store, engine, RunnerConfig{
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  time.Minute,
	}, WithRunnerLogger(discardLogger()))
	return runner, store, Request{JobID: "job-1", Email: email}
}

func loadJob(t *testing.T, store *memory.Store, id string) *domain.SyncJob {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunnerRecordsSuccess(t *testing.T) {
	var seen domain.Progress
	var store *memory.Store
	engine := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		require.Equal(t, email, user.Email)
		sink.Update(ctx, domain.Progress{Status: "Importing activities (4/5)", Current: 3, Total: 5})
		sink.Update(ctx, domain.Progress{Status: "late snapshot", Current: 1, Total: 5})
		job, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		seen = job.Progress
		return domain.SyncResult{NewActivities: 5, TotalActivities: 9}, nil
	})
	runner, s, req := newRunnerFixture(t, engine)
	store = s

	require.NoError(t, runner.Run(context.Background(), req))

	require.Equal(t, domain.Progress{Status: "Importing activities (4/5)", Current: 3, Total: 5}, seen)
	job := loadJob(t, store, "job-1")
	require.Equal(t, domain.JobStateSuccess, job.State)
	require.Equal(t, &domain.SyncResult{NewActivities: 5, TotalActivities: 9}, job.Result)
	require.NotNil(t, job.FinishedAt)
}

func TestRunnerRecordsFailure(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		return domain.SyncResult{}, errors.New("list remote activities: strava: 401 Authorization Error")
	})
	runner, store, req := newRunnerFixture(t, engine)

	require.NoError(t, runner.Run(context.Background(), req))

	job := loadJob(t, store, "job-1")
	require.Equal(t, domain.JobStateFailure, job.State)
	view := NewStatusView(job)
	require.Equal(t, "list remote activities: strava: 401 Authorization Error", *view.Status)
}

func TestRunnerSkipsFinishedJob(t *testing.T) {
	calls := 0
	engine := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		calls++
		return domain.SyncResult{}, nil
	})
	runner, store, req := newRunnerFixture(t, engine)
	require.NoError(t, store.RequestCancel(context.Background(), req.JobID, time.Now()))

	require.NoError(t, runner.Run(context.Background(), req))
	require.Zero(t, calls)
	require.Equal(t, domain.JobStateRevoked, loadJob(t, store, "job-1").State)
}

func TestRunnerIgnoresUnknownJob(t *testing.T) {
	runner, _, _ := newRunnerFixture(t, engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		t.Fatal("engine must not run")
		return domain.SyncResult{}, nil
	}))

	require.NoError(t, runner.Run(context.Background(), Request{JobID: "missing", Email: email}))
}

func TestRunnerStopsOnCancellationRequest(t *testing.T) {
	started := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		close(started)
		<-ctx.Done()
		return domain.SyncResult{}, ctx.Err()
	})
	runner, store, req := newRunnerFixture(t, engine)

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background(), req) }()

	<-started
	require.NoError(t, store.RequestCancel(context.Background(), req.JobID, time.Now()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe the cancellation request")
	}
	require.Equal(t, domain.JobStateRevoked, loadJob(t, store, "job-1").State)
}

func TestRunnerHandsJobBackOnShutdown(t *testing.T) {
	started := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		<-ctx.Done()
		return domain.SyncResult{}, ctx.Err()
	})
	runner, store, req := newRunnerFixture(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, req) }()
	<-started
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, domain.JobStateRetry, loadJob(t, store, "job-1").State)

	claimed, err := store.Claim(context.Background(), req.JobID, time.Now(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestRunnerFailsWhenUserMissing(t *testing.T) {
	runner, store, _ := newRunnerFixture(t, engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		return domain.SyncResult{}, nil
	}))
	require.NoError(t, store.Create(context.Background(), domain.SyncJob{ID: "job-2", UserEmail: "ghost@example.com", State: domain.JobStatePending}))

	require.NoError(t, runner.Run(context.Background(), Request{JobID: "job-2", Email: "ghost@example.com"}))

	job := loadJob(t, store, "job-2")
	require.Equal(t, domain.JobStateFailure, job.State)
	require.Contains(t, job.Error, "user not found")
}
