package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrUserExists       = errors.New("user already exists")
	ErrDuplicateMessage = errors.New("message already exists")
)

// MessageStore persists the message log. Queries return ascending order.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg Message) error
	// GroupMessages returns up to limit group messages, skipping the offset newest.
	GroupMessages(ctx context.Context, limit, offset int) ([]Message, error)
	// PrivateMessages returns the newest limit messages exchanged between a and b.
	PrivateMessages(ctx context.Context, a, b string, limit int) ([]Message, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, token string) (Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	DeleteSession(ctx context.Context, token string) error
}

// UserStore persists registered identities.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, username string) (User, error)
}

// Store is the full persistence surface used by the server.
type Store interface {
	MessageStore
	SessionStore
	UserStore
	Close() error
}
