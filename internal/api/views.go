package api

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"example.com/activitysync/internal/domain"
)

// ConnectURLResponse carries the provider consent page.
type ConnectURLResponse struct {
	URL string `json:"url"`
}

// ConnectRequest is the payload for POST /v1/connect.
type ConnectRequest struct {
	Code      string `json:"code"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Validate ensures request correctness.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("code is required")
	}
	if strings.TrimSpace(r.Email) == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return errors.New("email is invalid")
	}
	return nil
}

// ConnectResponse hands out the session token of a connected user.
type ConnectResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserView  `json:"user"`
}

// UserView is the public part of a user record.
type UserView struct {
	Email             string `json:"email"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	ProfilePictureURL string `json:"profile_picture_url,omitempty"`
}

// ProfileResponse is the body of GET /v1/me.
type ProfileResponse struct {
	UserView
	ActivityCount  int        `json:"activity_count"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	ActiveJobID    string     `json:"active_job_id,omitempty"`
}

// ActivityView exposes one stored activity.
type ActivityView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SportType       string    `json:"sport_type"`
	Description     string    `json:"description,omitempty"`
	Track           string    `json:"track,omitempty"`
	StartDate       time.Time `json:"start_date"`
	DistanceMeters  float64   `json:"distance_m"`
	DurationSeconds int64     `json:"duration_s"`
	AverageSpeed    float64   `json:"average_speed"`
	ElevationGain   float64   `json:"elevation_gain"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []ActivityView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// LaunchSyncResponse names the job the client should poll.
type LaunchSyncResponse struct {
	JobID string `json:"job_id"`
}

func toUserView(user domain.User) UserView {
	return UserView{
		Email:             user.Email,
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		ProfilePictureURL: user.ProfilePictureURL,
	}
}

func toActivityView(activity domain.Activity) ActivityView {
	return ActivityView{
		ID:              activity.ID,
		Name:            activity.Name,
		SportType:       activity.SportType,
		Description:     activity.Description,
		Track:           activity.Track,
		StartDate:       activity.StartDate,
		DistanceMeters:  activity.Distance,
		DurationSeconds: int64(activity.Duration / time.Second),
		AverageSpeed:    activity.AverageSpeed,
		ElevationGain:   activity.ElevationGain,
	}
}
