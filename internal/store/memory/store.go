// Package memory keeps chat state in process memory. State is lost on restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

var errInvalidWindow = errors.New("limit must be positive and offset non-negative")

// Store implements chat.Store guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	users    map[string]chat.User
	sessions map[string]chat.Session
	messages []chat.Message
	ids      map[string]struct{}
}

// New bootstraps an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]chat.User),
		sessions: make(map[string]chat.Session),
		messages: make([]chat.Message, 0, 64),
		ids:      make(map[string]struct{}),
	}
}

// AppendMessage inserts msg keeping the log ordered by timestamp, ties by arrival.
func (s *Store) AppendMessage(_ context.Context, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[msg.ID]; ok {
		return chat.ErrDuplicateMessage
	}
	msg.Timestamp = msg.Timestamp.UTC()

	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp.After(msg.Timestamp)
	})
	s.messages = append(s.messages, chat.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
	s.ids[msg.ID] = struct{}{}
	return nil
}

// GroupMessages returns a window of the group log in ascending order.
func (s *Store) GroupMessages(_ context.Context, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 || offset < 0 {
		return nil, errInvalidWindow
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return window(s.messages, limit, offset, func(m chat.Message) bool {
		return !m.IsPrivate()
	}), nil
}

// PrivateMessages returns the newest limit messages between a and b.
func (s *Store) PrivateMessages(_ context.Context, a, b string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, errInvalidWindow
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return window(s.messages, limit, 0, func(m chat.Message) bool {
		if !m.IsPrivate() {
			return false
		}
		return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
	}), nil
}

// window walks newest to oldest, skips offset matches, and returns up to limit ascending.
func window(log []chat.Message, limit, offset int, match func(chat.Message) bool) []chat.Message {
	out := make([]chat.Message, 0, limit)
	skipped := 0
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		if !match(log[i]) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, log[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// CreateSession stores a new session token.
func (s *Store) CreateSession(_ context.Context, session chat.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Token] = session
	return nil
}

// GetSession retrieves a session by token.
func (s *Store) GetSession(_ context.Context, token string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[token]
	if !ok {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	return session, nil
}

// TouchSession refreshes LastSeen.
func (s *Store) TouchSession(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[token]
	if !ok {
		return chat.ErrSessionNotFound
	}
	session.LastSeen = at.UTC()
	s.sessions[token] = session
	return nil
}

// DeleteSession removes a token. Unknown tokens are ignored.
func (s *Store) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return nil
}

// CreateUser registers a new identity.
func (s *Store) CreateUser(_ context.Context, user chat.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Username]; ok {
		return chat.ErrUserExists
	}
	s.users[user.Username] = user
	return nil
}

// GetUser looks up an identity by username.
func (s *Store) GetUser(_ context.Context, username string) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return chat.User{}, chat.ErrUserNotFound
	}
	return user, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ chat.Store = (*Store)(nil)
