// Package events defines the payloads written to the outbox and published to Kafka.
package events

import "time"

// Event types carried in the event_type header.
const (
	TypeActivityImported  = "activity.imported"
	TypeActivitiesRemoved = "activity.removed"
	TypeSyncRequested     = "sync.requested"
)

// Topics the dispatcher publishes to.
const (
	TopicActivityEvents = "activity_events"
	TopicSyncRequests   = "activity_sync_requests"
)

// Version of the payload schemas below.
const Version = "v1"

// ActivityImported is emitted once per activity saved by a synchronization pass.
type ActivityImported struct {
	ActivityID      string    `json:"activity_id"`
	OwnerEmail      string    `json:"owner_email"`
	SportType       string    `json:"sport_type"`
	StartDate       time.Time `json:"start_date"`
	DistanceMeters  float64   `json:"distance_m"`
	DurationSeconds int64     `json:"duration_s"`
	ImportedAt      time.Time `json:"imported_at"`
	Version         string    `json:"version"`
}

// ActivitiesRemoved is emitted once per bulk removal of stale activities.
type ActivitiesRemoved struct {
	OwnerEmail  string    `json:"owner_email"`
	ActivityIDs []string  `json:"activity_ids"`
	RemovedAt   time.Time `json:"removed_at"`
	Version     string    `json:"version"`
}

// SyncRequested asks a worker to run a synchronization job.
type SyncRequested struct {
	JobID       string    `json:"job_id"`
	Email       string    `json:"email"`
	RequestedAt time.Time `json:"requested_at"`
	Version     string    `json:"version"`
}
