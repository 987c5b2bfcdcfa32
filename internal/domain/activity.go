package domain

import "time"

// Activity represents the canonical workout record imported from the provider.
type Activity struct {
	ID            string
	OwnerEmail    string
	Name          string
	SportType     string
	Description   string
	Track         string
	StartDate     time.Time
	Distance      float64
	Duration      time.Duration
	AverageSpeed  float64
	ElevationGain float64
	ImportedAt    time.Time
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartDate time.Time
	ID        string
}

// ActivitySummary aggregates the stored activities of one owner.
type ActivitySummary struct {
	Count         int
	LastStartDate *time.Time
}

// SyncResult is the outcome of a successful reconciliation pass.
type SyncResult struct {
	NewActivities   int `json:"new_activities"`
	TotalActivities int `json:"total_activities"`
}
