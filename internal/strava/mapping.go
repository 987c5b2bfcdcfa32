package strava

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"example.com/activitysync/internal/domain"
)

var offsetPattern = regexp.MustCompile(`[-+]\d{2}:\d{2}`)

// detailedActivity is the subset of the provider's DetailedActivity we keep.
type detailedActivity struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	Type               string  `json:"type"`
	SportType          string  `json:"sport_type"`
	Description        *string `json:"description"`
	StartDate          string  `json:"start_date"`
	StartDateLocal     string  `json:"start_date_local"`
	Timezone           string  `json:"timezone"`
	Distance           float64 `json:"distance"`
	ElapsedTime        int64   `json:"elapsed_time"`
	AverageSpeed       float64 `json:"average_speed"`
	TotalElevationGain float64 `json:"total_elevation_gain"`
	Map                struct {
		Polyline        string `json:"polyline"`
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

func (d detailedActivity) toDomain(ownerEmail string) (domain.Activity, error) {
	start, err := d.startDate()
	if err != nil {
		return domain.Activity{}, fmt.Errorf("activity %d: %w", d.ID, err)
	}

	activity := domain.Activity{
		ID:            strconv.FormatInt(d.ID, 10),
		OwnerEmail:    ownerEmail,
		Name:          d.Name,
		SportType:     d.SportType,
		Track:         d.Map.Polyline,
		StartDate:     start,
		Distance:      d.Distance,
		Duration:      time.Duration(d.ElapsedTime) * time.Second,
		AverageSpeed:  d.AverageSpeed,
		ElevationGain: d.TotalElevationGain,
	}
	if activity.SportType == "" {
		activity.SportType = d.Type
	}
	if d.Description != nil {
		activity.Description = *d.Description
	}
	if activity.Track == "" {
		activity.Track = d.Map.SummaryPolyline
	}
	return activity, nil
}

// startDate combines the local wall-clock time with the offset carried by
// the timezone descriptor, e.g. "(GMT+01:00) Europe/Paris".
func (d detailedActivity) startDate() (time.Time, error) {
	if offset := offsetPattern.FindString(d.Timezone); offset != "" && d.StartDateLocal != "" {
		local := strings.TrimSuffix(d.StartDateLocal, "Z") + offset
		if parsed, err := time.Parse(time.RFC3339, local); err == nil {
			return parsed, nil
		}
	}
	if d.StartDate == "" {
		return time.Time{}, fmt.Errorf("missing start date")
	}
	return time.Parse(time.RFC3339, d.StartDate)
}
