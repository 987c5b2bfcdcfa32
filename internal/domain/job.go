package domain

import "time"

// JobState is the lifecycle state of a synchronization job. The values are
// part of the wire contract polled by the web client.
type JobState string

const (
	JobStatePending  JobState = "PENDING"
	JobStateRetry    JobState = "RETRY"
	JobStateStarted  JobState = "STARTED"
	JobStateProgress JobState = "PROGRESS"
	JobStateSuccess  JobState = "SUCCESS"
	JobStateFailure  JobState = "FAILURE"
	JobStateRevoked  JobState = "REVOKED"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStateFailure, JobStateRevoked:
		return true
	}
	return false
}

// Queued reports whether the job waits for a worker.
func (s JobState) Queued() bool {
	return s == JobStatePending || s == JobStateRetry
}

// Running reports whether a worker has claimed the job.
func (s JobState) Running() bool {
	return s == JobStateStarted || s == JobStateProgress
}

// Progress is the snapshot a worker publishes while a job runs.
type Progress struct {
	Status  string
	Current int
	Total   int
}

// SyncJob is a tracked asynchronous execution of a reconciliation pass.
type SyncJob struct {
	ID              string
	UserEmail       string
	State           JobState
	Progress        Progress
	Result          *SyncResult
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}
