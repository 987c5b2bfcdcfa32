// Package jobs tracks synchronization jobs: at most one live job per user,
// status views for polling clients, and the worker-side runner.
package jobs

import (
	"context"
	"errors"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/reconcile"
)

// ErrQueueFull is returned when the local queue buffer is exhausted.
var ErrQueueFull = errors.New("sync queue is full")

// Request asks a worker to run one job.
type Request struct {
	JobID string `json:"job_id"`
	Email string `json:"email"`
}

// Queue hands requests to workers.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
}

// Executor runs one request to completion.
type Executor interface {
	Run(ctx context.Context, req Request) error
}

// Synchronizer runs one reconciliation pass.
type Synchronizer interface {
	Synchronize(ctx context.Context, user *domain.User, sink reconcile.ProgressSink) (domain.SyncResult, error)
}
