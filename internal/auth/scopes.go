package auth

// Scopes carried by session tokens.
const (
	ScopeActivitiesRead = "activities:read"
	ScopeSyncWrite      = "sync:write"
)

// DefaultScopes are granted to every connected user.
var DefaultScopes = []string{ScopeActivitiesRead, ScopeSyncWrite}
