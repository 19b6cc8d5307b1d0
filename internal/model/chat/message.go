package chat

import "time"

// Scope distinguishes broadcast messages from point-to-point ones.
type Scope string

const (
	ScopeGroup   Scope = "group"
	ScopePrivate Scope = "private"
)

// Message is an immutable chat entry. Recipient is set iff Scope is private.
type Message struct {
	ID        string
	Sender    string
	Body      string
	Timestamp time.Time
	Scope     Scope
	Recipient string
}

// IsPrivate reports whether the message is addressed to a single identity.
func (m Message) IsPrivate() bool {
	return m.Scope == ScopePrivate
}

// Involves reports whether username is the sender or recipient.
func (m Message) Involves(username string) bool {
	return m.Sender == username || (m.IsPrivate() && m.Recipient == username)
}
