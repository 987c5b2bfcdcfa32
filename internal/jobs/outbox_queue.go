package jobs

import (
	"context"
	"time"

	"example.com/activitysync/internal/events"
)

// SyncRequestWriter stores a sync request in the transactional outbox.
type SyncRequestWriter interface {
	EnqueueSyncRequest(ctx context.Context, event events.SyncRequested) error
}

// OutboxQueue delivers requests to remote workers through the outbox and Kafka.
type OutboxQueue struct {
	writer SyncRequestWriter
	now    func() time.Time
}

// NewOutboxQueue constructs an OutboxQueue.
func NewOutboxQueue(writer SyncRequestWriter) *OutboxQueue {
	return &OutboxQueue{writer: writer, now: time.Now}
}

// Enqueue implements Queue.
func (q *OutboxQueue) Enqueue(ctx context.Context, req Request) error {
	return q.writer.EnqueueSyncRequest(ctx, events.SyncRequested{
		JobID:       req.JobID,
		Email:       req.Email,
		RequestedAt: q.now().UTC(),
		Version:     events.Version,
	})
}
