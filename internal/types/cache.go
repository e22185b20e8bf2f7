package types

// CachedUser wraps a user snapshot for serialization into the session cache.
// FetchedAt is the unix-nano time the store read began.
type CachedUser struct {
	User      *User `json:"user,omitempty"`
	FetchedAt int64 `json:"fetched_at"`
	NotFound  bool  `json:"not_found"`
}
