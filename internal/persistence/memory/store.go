// Package memory provides in-process implementations of the domain
// repositories for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/activitysync/internal/domain"
)

// Store keeps users, activities and jobs in memory.
type Store struct {
	mu         sync.RWMutex
	users      map[string]domain.User
	activities map[string]map[string]domain.Activity
	jobs       map[string]domain.SyncJob
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users:      make(map[string]domain.User),
		activities: make(map[string]map[string]domain.Activity),
		jobs:       make(map[string]domain.SyncJob),
	}
}

// ActivityIDs implements domain.ActivityRepository.
func (s *Store) ActivityIDs(ctx context.Context, ownerEmail string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.activities[ownerEmail]
	ids := make([]string, 0, len(owned))
	for id := range owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListActivities implements domain.ActivityRepository.
func (s *Store) ListActivities(ctx context.Context, ownerEmail string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Activity, 0, len(s.activities[ownerEmail]))
	for _, activity := range s.activities[ownerEmail] {
		if cursor != nil && !before(activity, *cursor) {
			continue
		}
		all = append(all, activity)
	}
	sort.Slice(all, func(i, j int) bool {
		return !before(all[i], domain.Cursor{StartDate: all[j].StartDate, ID: all[j].ID})
	})

	if limit <= 0 || limit > len(all) {
		return all, nil, nil
	}
	page := all[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{StartDate: last.StartDate, ID: last.ID}, nil
}

// before orders activities by (start date, id) descending.
func before(a domain.Activity, c domain.Cursor) bool {
	if a.StartDate.Equal(c.StartDate) {
		return a.ID < c.ID
	}
	return a.StartDate.Before(c.StartDate)
}

// ActivitySummary implements domain.ActivityRepository.
func (s *Store) ActivitySummary(ctx context.Context, ownerEmail string) (domain.ActivitySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summary domain.ActivitySummary
	for _, activity := range s.activities[ownerEmail] {
		summary.Count++
		if summary.LastStartDate == nil || activity.StartDate.After(*summary.LastStartDate) {
			start := activity.StartDate
			summary.LastStartDate = &start
		}
	}
	return summary, nil
}

// SaveActivity implements domain.ActivityRepository. Existing records are kept as is.
func (s *Store) SaveActivity(ctx context.Context, activity domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.activities[activity.OwnerEmail]
	if !ok {
		owned = make(map[string]domain.Activity)
		s.activities[activity.OwnerEmail] = owned
	}
	if _, exists := owned[activity.ID]; exists {
		return nil
	}
	if activity.ImportedAt.IsZero() {
		activity.ImportedAt = time.Now().UTC()
	}
	owned[activity.ID] = activity
	return nil
}

// DeleteActivities implements domain.ActivityRepository.
func (s *Store) DeleteActivities(ctx context.Context, ownerEmail string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.activities[ownerEmail]
	for _, id := range ids {
		delete(owned, id)
	}
	return nil
}

// GetUser implements domain.UserRepository.
func (s *Store) GetUser(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[normalize(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &user, nil
}

// SaveUser implements domain.UserRepository. The active job id and creation
// time of an existing user survive a re-connect.
func (s *Store) SaveUser(ctx context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(user.Email)
	if existing, ok := s.users[key]; ok {
		if existing.ProviderUserID != user.ProviderUserID {
			return domain.ErrAlreadyConnected
		}
		user.ActiveJobID = existing.ActiveJobID
		user.CreatedAt = existing.CreatedAt
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[key] = user
	return nil
}

// UpdateToken implements domain.UserRepository.
func (s *Store) UpdateToken(ctx context.Context, email string, token domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(email)
	user, ok := s.users[key]
	if !ok {
		return domain.ErrUserNotFound
	}
	user.Token = token
	user.UpdatedAt = time.Now().UTC()
	s.users[key] = user
	return nil
}

// SwapActiveJob implements domain.UserRepository.
func (s *Store) SwapActiveJob(ctx context.Context, email, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalize(email)
	user, ok := s.users[key]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	if user.ActiveJobID != expected {
		return false, nil
	}
	user.ActiveJobID = next
	user.UpdatedAt = time.Now().UTC()
	s.users[key] = user
	return true, nil
}

// Create implements domain.JobRepository.
func (s *Store) Create(ctx context.Context, job domain.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// Get implements domain.JobRepository.
func (s *Store) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Result != nil {
		result := *job.Result
		job.Result = &result
	}
	return &job, nil
}

// Claim implements domain.JobRepository.
func (s *Store) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	claimed := false
	err := s.update(id, func(job *domain.SyncJob) {
		if job.CancelRequested {
			return
		}
		stale := job.State.Running() && job.UpdatedAt.Before(staleBefore)
		if !job.State.Queued() && !stale {
			return
		}
		job.State = domain.JobStateStarted
		job.Progress = domain.Progress{}
		job.StartedAt = &now
		job.UpdatedAt = now
		claimed = true
	})
	return claimed, err
}

// Touch implements domain.JobRepository.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	cancelled := false
	err := s.update(id, func(job *domain.SyncJob) {
		if !job.State.Terminal() {
			job.UpdatedAt = now
		}
		cancelled = job.CancelRequested
	})
	return cancelled, err
}

// UpdateProgress implements domain.JobRepository.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress domain.Progress, now time.Time) error {
	return s.update(id, func(job *domain.SyncJob) {
		if !job.State.Running() || progress.Current < job.Progress.Current {
			return
		}
		job.State = domain.JobStateProgress
		job.Progress = progress
		job.UpdatedAt = now
	})
}

// Complete implements domain.JobRepository.
func (s *Store) Complete(ctx context.Context, id string, result domain.SyncResult, now time.Time) error {
	return s.finish(id, now, func(job *domain.SyncJob) {
		job.State = domain.JobStateSuccess
		job.Result = &result
	})
}

// Fail implements domain.JobRepository.
func (s *Store) Fail(ctx context.Context, id string, reason string, now time.Time) error {
	return s.finish(id, now, func(job *domain.SyncJob) {
		job.State = domain.JobStateFailure
		job.Error = reason
	})
}

// MarkRevoked implements domain.JobRepository.
func (s *Store) MarkRevoked(ctx context.Context, id string, now time.Time) error {
	return s.finish(id, now, func(job *domain.SyncJob) {
		job.State = domain.JobStateRevoked
		job.CancelRequested = true
	})
}

// Requeue implements domain.JobRepository.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	return s.update(id, func(job *domain.SyncJob) {
		if !job.State.Running() {
			return
		}
		job.State = domain.JobStateRetry
		job.Progress = domain.Progress{}
		job.UpdatedAt = now
	})
}

// RequestCancel implements domain.JobRepository.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) error {
	return s.update(id, func(job *domain.SyncJob) {
		if job.State.Terminal() {
			return
		}
		job.CancelRequested = true
		if job.State.Queued() {
			job.State = domain.JobStateRevoked
			job.FinishedAt = &now
		}
		job.UpdatedAt = now
	})
}

// PruneFinished implements domain.JobRepository.
func (s *Store) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, job := range s.jobs {
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(before) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// QueuedJobs implements domain.JobRepository.
func (s *Store) QueuedJobs(ctx context.Context) ([]domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var queued []domain.SyncJob
	for _, job := range s.jobs {
		if job.State.Queued() && !job.CancelRequested {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if !queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		}
		return queued[i].ID < queued[j].ID
	})
	return queued, nil
}

func (s *Store) finish(id string, now time.Time, apply func(*domain.SyncJob)) error {
	return s.update(id, func(job *domain.SyncJob) {
		if job.State.Terminal() {
			return
		}
		apply(job)
		job.UpdatedAt = now
		job.FinishedAt = &now
	})
}

func (s *Store) update(id string, apply func(*domain.SyncJob)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	apply(&job)
	s.jobs[id] = job
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
