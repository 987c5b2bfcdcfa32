// Package domain defines the records and persistence contracts of the
// activity synchronization service.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrUserNotFound is returned when no user is registered for an email.
	ErrUserNotFound = errors.New("user not found")
	// ErrJobNotFound is returned for unknown synchronization job ids.
	ErrJobNotFound = errors.New("synchronization job not found")
	// ErrAlreadyConnected is returned when an email is already bound to a
	// different provider account.
	ErrAlreadyConnected = errors.New("email already connected to another provider account")
)

// ActivityRepository captures activity persistence operations.
type ActivityRepository interface {
	ActivityIDs(ctx context.Context, ownerEmail string) ([]string, error)
	ListActivities(ctx context.Context, ownerEmail string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
	ActivitySummary(ctx context.Context, ownerEmail string) (ActivitySummary, error)
	SaveActivity(ctx context.Context, activity Activity) error
	DeleteActivities(ctx context.Context, ownerEmail string, ids []string) error
}

// UserRepository captures user persistence operations.
type UserRepository interface {
	GetUser(ctx context.Context, email string) (*User, error)
	// SaveUser inserts the user, or refreshes an existing one bound to the
	// same provider account. A different provider account yields ErrAlreadyConnected.
	SaveUser(ctx context.Context, user User) error
	// UpdateToken replaces the whole credential triple of a user.
	UpdateToken(ctx context.Context, email string, token Token) error
	// SwapActiveJob sets the active job id to next only if it currently
	// equals expected (empty meaning unset). It reports whether the swap happened.
	SwapActiveJob(ctx context.Context, email, expected, next string) (bool, error)
}

// JobRepository stores synchronization jobs and their progress snapshots.
type JobRepository interface {
	Create(ctx context.Context, job SyncJob) error
	Get(ctx context.Context, id string) (*SyncJob, error)
	// Claim moves a queued job, or a running job whose heartbeat is older
	// than staleBefore, to STARTED. It reports whether the caller owns the run.
	Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// Touch refreshes the heartbeat and reports whether cancellation was requested.
	Touch(ctx context.Context, id string, now time.Time) (bool, error)
	// UpdateProgress records a progress snapshot; snapshots whose Current is
	// lower than the stored one are ignored.
	UpdateProgress(ctx context.Context, id string, progress Progress, now time.Time) error
	Complete(ctx context.Context, id string, result SyncResult, now time.Time) error
	Fail(ctx context.Context, id string, reason string, now time.Time) error
	MarkRevoked(ctx context.Context, id string, now time.Time) error
	// Requeue hands a running job back to the queue as RETRY, e.g. when its
	// worker shuts down before finishing.
	Requeue(ctx context.Context, id string, now time.Time) error
	// RequestCancel flags a job for cooperative cancellation. Queued jobs are
	// revoked immediately; finished jobs are left untouched.
	RequestCancel(ctx context.Context, id string, now time.Time) error
	PruneFinished(ctx context.Context, before time.Time) (int64, error)
	// QueuedJobs lists PENDING and RETRY jobs without a cancellation
	// request, oldest first.
	QueuedJobs(ctx context.Context) ([]SyncJob, error)
}

// Service serves the read side of the API: profile and activity listings.
type Service struct {
	activities ActivityRepository
	users      UserRepository
}

// NewService constructs a Service.
func NewService(activities ActivityRepository, users UserRepository) *Service {
	return &Service{activities: activities, users: users}
}

// Profile bundles a user with the summary of their stored activities.
type Profile struct {
	User    User
	Summary ActivitySummary
}

// ConnectInput captures a freshly authorized provider account.
type ConnectInput struct {
	Email             string
	FirstName         string
	LastName          string
	ProfilePictureURL string
	ProviderUserID    string
	Token             Token
}

// Connect registers the user, or refreshes the profile and credentials of
// an existing user connected through the same provider account. An email
// owned by another provider account is refused with ErrAlreadyConnected.
func (s *Service) Connect(ctx context.Context, input ConnectInput) (*User, error) {
	now := time.Now().UTC()
	user := User{
		Email:             strings.ToLower(strings.TrimSpace(input.Email)),
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		ProfilePictureURL: input.ProfilePictureURL,
		ProviderUserID:    input.ProviderUserID,
		Token:             input.Token,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return s.users.GetUser(ctx, user.Email)
}

// GetUser fetches by email.
func (s *Service) GetUser(ctx context.Context, email string) (*User, error) {
	return s.users.GetUser(ctx, email)
}

// GetProfile returns the user together with activity aggregates.
func (s *Service) GetProfile(ctx context.Context, email string) (*Profile, error) {
	user, err := s.users.GetUser(ctx, email)
	if err != nil {
		return nil, err
	}
	summary, err := s.activities.ActivitySummary(ctx, email)
	if err != nil {
		return nil, err
	}
	return &Profile{User: *user, Summary: summary}, nil
}

// ListActivities fetches activities with cursor pagination.
func (s *Service) ListActivities(ctx context.Context, ownerEmail string, cursor *Cursor, limit int) ([]Activity, *Cursor, error) {
	return s.activities.ListActivities(ctx, ownerEmail, cursor, limit)
}
