// Package reconcile performs one synchronization pass between the stored
// activities of a user and the activities the provider reports.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"example.com/activitysync/internal/domain"
)

// Status texts shown to the polling client.
const (
	StatusRetrieving = "Retrieving the list of activities"
	StatusCleaning   = "Cleaning old activities"
)

// Store is the activity persistence used by a pass.
type Store interface {
	ActivityIDs(ctx context.Context, ownerEmail string) ([]string, error)
	SaveActivity(ctx context.Context, activity domain.Activity) error
	DeleteActivities(ctx context.Context, ownerEmail string, ids []string) error
}

// Remote is the provider side of a pass.
type Remote interface {
	ActivityIDs(ctx context.Context, user *domain.User) ([]string, error)
	Activity(ctx context.Context, user *domain.User, id string) (domain.Activity, error)
}

// ProgressSink receives progress snapshots while a pass runs.
type ProgressSink interface {
	Update(ctx context.Context, progress domain.Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ctx context.Context, progress domain.Progress)

// Update implements ProgressSink.
func (f ProgressFunc) Update(ctx context.Context, progress domain.Progress) {
	f(ctx, progress)
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine diffs and converges activity sets.
type Engine struct {
	store  Store
	remote Remote
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store Store, remote Remote, opts ...Option) *Engine {
	e := &Engine{store: store, remote: remote, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Synchronize imports the activities missing locally, in provider listing
// order, then removes the ones the provider no longer reports. The stored
// id set equals the provider's once it returns without error.
func (e *Engine) Synchronize(ctx context.Context, user *domain.User, sink ProgressSink) (domain.SyncResult, error) {
	logger := e.logger.With(slog.String("user", user.Email))
	sink.Update(ctx, domain.Progress{Status: StatusRetrieving})

	imported, err := e.store.ActivityIDs(ctx, user.Email)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("list stored activities: %w", err)
	}
	available, err := e.remote.ActivityIDs(ctx, user)
	if err != nil {
		return domain.SyncResult{}, fmt.Errorf("list remote activities: %w", err)
	}

	toImport := difference(available, imported)
	toDelete := difference(imported, available)
	logger.Info("activity sets compared",
		slog.Int("stored", len(imported)),
		slog.Int("remote", len(available)),
		slog.Int("to_import", len(toImport)),
		slog.Int("to_delete", len(toDelete)),
	)

	total := len(toImport)
	for i, id := range toImport {
		if err := ctx.Err(); err != nil {
			return domain.SyncResult{}, fmt.Errorf("import interrupted after %d/%d: %w", i, total, err)
		}
		activity, err := e.remote.Activity(ctx, user, id)
		if err != nil {
			return domain.SyncResult{}, fmt.Errorf("fetch activity %s: %w", id, err)
		}
		activity.OwnerEmail = user.Email
		if err := e.store.SaveActivity(ctx, activity); err != nil {
			return domain.SyncResult{}, fmt.Errorf("save activity %s: %w", id, err)
		}
		importedCounter.Inc()
		logger.Debug("activity imported", slog.String("activity_id", id))

		sink.Update(ctx, domain.Progress{
			Status:  fmt.Sprintf("Importing activities (%d/%d)", i+1, total),
			Current: i,
			Total:   total,
		})
	}

	if len(toDelete) > 0 {
		sink.Update(ctx, domain.Progress{Status: StatusCleaning, Current: total, Total: total})
		if err := e.store.DeleteActivities(ctx, user.Email, toDelete); err != nil {
			return domain.SyncResult{}, fmt.Errorf("delete stale activities: %w", err)
		}
		removedCounter.Add(float64(len(toDelete)))
	}

	return domain.SyncResult{
		NewActivities:   len(toImport),
		TotalActivities: len(imported) + len(toImport) - len(toDelete),
	}, nil
}

// difference returns the members of a missing from b, keeping a's order
// and dropping duplicates.
func difference(a, b []string) []string {
	exclude := make(map[string]struct{}, len(b))
	for _, id := range b {
		exclude[id] = struct{}{}
	}
	out := make([]string, 0)
	for _, id := range a {
		if _, ok := exclude[id]; ok {
			continue
		}
		exclude[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
