package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/memory"
	"example.com/activitysync/internal/reconcile"
)

type recordingQueue struct {
	mu       sync.Mutex
	requests []Request
	err      error
}

func (q *recordingQueue) Enqueue(ctx context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const email = "runner@example.com"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTrackerFixture(t *testing.T) (*Tracker, *memory.Store, *recordingQueue, *testClock) {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveUser(context.Background(), domain.User{Email: email}))
	queue := &recordingQueue{}
	clock := &testClock{now: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	tracker := NewTracker(store, store, queue, TrackerConfig{
		PendingTimeout:   10 * time.Minute,
		HeartbeatTimeout: 2 * time.Minute,
	}, WithTrackerLogger(discardLogger()), WithTrackerClock(clock.Now))
	tracker.newID = func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }
	return tracker, store, queue, clock
}

func activeJobID(t *testing.T, store *memory.Store) string {
	t.Helper()
	user, err := store.GetUser(context.Background(), email)
	require.NoError(t, err)
	return user.ActiveJobID
}

func TestLaunchOrAttachReturnsSameJobWhileAlive(t *testing.T) {
	tracker, store, queue, clock := newTrackerFixture(t)
	ctx := context.Background()

	first, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, queue.count())
	require.Equal(t, first, activeJobID(t, store))

	claimed, err := store.Claim(ctx, first, clock.Now(), clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	clock.Advance(time.Minute)
	_, err = store.Touch(ctx, first, clock.Now())
	require.NoError(t, err)

	third, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Equal(t, 1, queue.count())
}

func TestLaunchOrAttachConcurrentCallersShareOneJob(t *testing.T) {
	tracker, _, queue, _ := newTrackerFixture(t)

	const callers = 25
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := tracker.LaunchOrAttach(context.Background(), &domain.User{Email: "Runner@Example.com"})
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	require.Equal(t, 1, queue.count())
}

func TestLaunchOrAttachReplacesFinishedJob(t *testing.T) {
	tracker, store, queue, clock := newTrackerFixture(t)
	ctx := context.Background()

	first, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	_, err = store.Claim(ctx, first, clock.Now(), clock.Now())
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, first, domain.SyncResult{NewActivities: 2, TotalActivities: 2}, clock.Now()))

	second, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, 2, queue.count())
	require.Equal(t, second, activeJobID(t, store))

	old, err := store.Get(ctx, first)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSuccess, old.State)
}

func TestLaunchOrAttachReplacesDeadWorker(t *testing.T) {
	tracker, store, _, clock := newTrackerFixture(t)
	ctx := context.Background()

	first, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	_, err = store.Claim(ctx, first, clock.Now(), clock.Now())
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	second, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	old, err := store.Get(ctx, first)
	require.NoError(t, err)
	require.True(t, old.CancelRequested)
}

func TestLaunchOrAttachReplacesNeverStartedJob(t *testing.T) {
	tracker, store, _, clock := newTrackerFixture(t)
	ctx := context.Background()

	first, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	second, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	old, err := store.Get(ctx, first)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateRevoked, old.State)
}

func TestLaunchOrAttachReplacesUnknownJob(t *testing.T) {
	tracker, store, queue, _ := newTrackerFixture(t)
	ctx := context.Background()

	swapped, err := store.SwapActiveJob(ctx, email, "", "vanished")
	require.NoError(t, err)
	require.True(t, swapped)

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NotEqual(t, "vanished", id)
	require.Equal(t, 1, queue.count())
}

func TestLaunchOrAttachEnqueueFailureFailsJob(t *testing.T) {
	tracker, store, queue, _ := newTrackerFixture(t)
	ctx := context.Background()
	queue.err = ErrQueueFull

	_, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.ErrorIs(t, err, ErrQueueFull)

	failed, err := store.Get(ctx, activeJobID(t, store))
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailure, failed.State)

	queue.err = nil
	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, id)
}

type racingUsers struct {
	*memory.Store
	winner string
}

func (r *racingUsers) SwapActiveJob(ctx context.Context, email, expected, next string) (bool, error) {
	if r.winner != "" {
		winner := r.winner
		r.winner = ""
		if _, err := r.Store.SwapActiveJob(ctx, email, expected, winner); err != nil {
			return false, err
		}
	}
	return r.Store.SwapActiveJob(ctx, email, expected, next)
}

func TestLaunchOrAttachDefersToConcurrentLauncher(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.SaveUser(ctx, domain.User{Email: email}))
	require.NoError(t, store.Create(ctx, domain.SyncJob{ID: "theirs", UserEmail: email, State: domain.JobStatePending}))
	queue := &recordingQueue{}
	users := &racingUsers{Store: store, winner: "theirs"}
	tracker := NewTracker(store, users, queue, TrackerConfig{}, WithTrackerLogger(discardLogger()))
	tracker.newID = func() string { return "ours" }

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	require.Equal(t, "theirs", id)
	require.Zero(t, queue.count())
	ours, err := store.Get(ctx, "ours")
	require.NoError(t, err)
	require.Equal(t, domain.JobStateRevoked, ours.State)
}

func TestLaunchOrAttachUnknownUser(t *testing.T) {
	tracker, _, _, _ := newTrackerFixture(t)

	_, err := tracker.LaunchOrAttach(context.Background(), &domain.User{Email: "nobody@example.com"})
	require.True(t, errors.Is(err, domain.ErrUserNotFound))
}

func TestActiveJobIDOnlyWhileAlive(t *testing.T) {
	tracker, store, _, clock := newTrackerFixture(t)
	ctx := context.Background()

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	user, err := store.GetUser(ctx, email)
	require.NoError(t, err)
	require.Equal(t, id, tracker.ActiveJobID(ctx, user))

	clock.Advance(time.Hour)
	require.Empty(t, tracker.ActiveJobID(ctx, user))
}

func TestStatusUnknownJob(t *testing.T) {
	tracker, _, _, _ := newTrackerFixture(t)

	_, err := tracker.Status(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancelRevokesQueuedJobAndAllowsRelaunch(t *testing.T) {
	tracker, _, queue, _ := newTrackerFixture(t)
	ctx := context.Background()

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NoError(t, tracker.Cancel(ctx, id))

	view, err := tracker.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateRevoked, view.State)

	next, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.NotEqual(t, id, next)
	require.Equal(t, 2, queue.count())

	require.ErrorIs(t, tracker.Cancel(ctx, "missing"), domain.ErrJobNotFound)
}

func TestLaunchOrAttachOutlivesCallerContext(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveUser(context.Background(), domain.User{Email: email}))
	queue := NewLocalQueue(1, 4, discardLogger())
	tracker := NewTracker(store, store, queue, TrackerConfig{}, WithTrackerLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.Len(t, queue.requests, 1)

	view, err := tracker.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatePending, view.State)
}

func TestRecoverRequeuesJobsInterruptedByRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.SaveUser(ctx, domain.User{Email: email}))
	require.NoError(t, store.SaveUser(ctx, domain.User{Email: "other@example.com"}))
	clock := &testClock{now: time.Now()}
	trackerCfg := TrackerConfig{PendingTimeout: 10 * time.Minute, HeartbeatTimeout: 2 * time.Minute}
	runnerCfg := RunnerConfig{HeartbeatInterval: 5 * time.Millisecond, HeartbeatTimeout: time.Minute}

	// First process: one worker blocked mid-sync, a second request buffered.
	started := make(chan struct{})
	var once sync.Once
	blocking := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return domain.SyncResult{}, ctx.Err()
	})
	firstQueue := NewLocalQueue(1, 4, discardLogger())
	first := NewTracker(store, store, firstQueue, trackerCfg, WithTrackerLogger(discardLogger()), WithTrackerClock(clock.Now))
	processCtx, shutdown := context.WithCancel(ctx)
	stopped := make(chan error, 1)
	go func() {
		stopped <- firstQueue.Run(processCtx, NewRunner(store, store, blocking, runnerCfg, WithRunnerLogger(discardLogger())))
	}()

	interrupted, err := first.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	<-started
	buffered, err := first.LaunchOrAttach(ctx, &domain.User{Email: "other@example.com"})
	require.NoError(t, err)

	shutdown()
	require.ErrorIs(t, <-stopped, context.Canceled)
	require.True(t, loadJob(t, store, interrupted).State.Queued())
	require.True(t, loadJob(t, store, buffered).State.Queued())

	// Second process starts with an empty queue five minutes later.
	clock.Advance(5 * time.Minute)
	secondQueue := NewLocalQueue(1, 4, discardLogger())
	second := NewTracker(store, store, secondQueue, trackerCfg, WithTrackerLogger(discardLogger()), WithTrackerClock(clock.Now))

	recovered, err := second.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, recovered)
	require.Len(t, secondQueue.requests, 2)

	attached, err := second.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)
	require.Equal(t, interrupted, attached)
	require.Len(t, secondQueue.requests, 2)

	succeeding := engineFunc(func(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error) {
		return domain.SyncResult{NewActivities: 1, TotalActivities: 1}, nil
	})
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = secondQueue.Run(runCtx, NewRunner(store, store, succeeding, runnerCfg, WithRunnerLogger(discardLogger())))
	}()

	succeeded := func(id string) bool {
		job, err := store.Get(ctx, id)
		return err == nil && job.State == domain.JobStateSuccess
	}
	require.Eventually(t, func() bool {
		return succeeded(interrupted) && succeeded(buffered)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRecoverFailsJobsThatCannotBeQueued(t *testing.T) {
	tracker, store, queue, _ := newTrackerFixture(t)
	ctx := context.Background()

	id, err := tracker.LaunchOrAttach(ctx, &domain.User{Email: email})
	require.NoError(t, err)

	queue.err = ErrQueueFull
	recovered, err := tracker.Recover(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)
	require.Equal(t, domain.JobStateFailure, loadJob(t, store, id).State)
}
