package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"example.com/activitysync/internal/events"
	"example.com/activitysync/internal/jobs"
)

// SyncRequestHandler runs synchronization jobs requested through Kafka.
// Other event types on the topic are acknowledged and skipped.
type SyncRequestHandler struct {
	executor jobs.Executor
	logger   *slog.Logger
}

// NewSyncRequestHandler constructs a SyncRequestHandler.
func NewSyncRequestHandler(executor jobs.Executor, logger *slog.Logger) *SyncRequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncRequestHandler{executor: executor, logger: logger}
}

// Handle decodes a sync.requested payload and runs the job.
func (h *SyncRequestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSyncRequested {
		h.logger.Debug("skipping event", slog.String("event_type", msg.EventType), slog.String("topic", msg.Topic))
		return nil
	}

	var event events.SyncRequested
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// A payload that cannot be decoded never will be; acknowledge it.
		h.logger.Error("discarding malformed sync request", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		return nil
	}
	if event.JobID == "" {
		h.logger.Error("discarding sync request without job id", slog.Int64("offset", msg.Offset))
		return nil
	}

	if err := h.executor.Run(ctx, jobs.Request{JobID: event.JobID, Email: event.Email}); err != nil {
		return fmt.Errorf("run job %s: %w", event.JobID, err)
	}
	return nil
}
