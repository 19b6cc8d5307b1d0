package chat

import "time"

// Session maps an opaque token to a username.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Expired reports whether the session has been idle longer than ttl at now.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.LastSeen) > ttl
}
