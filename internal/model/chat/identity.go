package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxUsernameRunes caps the display length of a username.
const MaxUsernameRunes = 20

// User is a registered identity. PasswordHash is never exposed over the wire.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// NormalizeUsername trims surrounding whitespace and truncates to MaxUsernameRunes.
func NormalizeUsername(raw string) string {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) <= MaxUsernameRunes {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:MaxUsernameRunes]))
}
