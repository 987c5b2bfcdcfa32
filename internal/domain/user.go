package domain

import "time"

// Token is the provider credential triple. The three fields are always
// persisted together.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is no longer valid at now.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// User is an account connected to the remote provider.
type User struct {
	Email             string
	FirstName         string
	LastName          string
	ProfilePictureURL string
	ProviderUserID    string
	Token             Token
	ActiveJobID       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
