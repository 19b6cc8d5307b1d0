// Package sqlite provides the durable chat store on top of modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/store/sqlite/migrations"
)

// Store persists users, sessions and messages in SQLite.
type Store struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection; writes are serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendMessage inserts one message.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	var recipient sql.NullString
	isPrivate := 0
	if msg.IsPrivate() {
		isPrivate = 1
		recipient = sql.NullString{String: msg.Recipient, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, username, message, timestamp, is_private, recipient)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Sender, msg.Body, toMillis(msg.Timestamp), isPrivate, recipient,
	)
	if isUniqueViolation(err) {
		return chat.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GroupMessages returns a window of group messages in ascending order.
func (s *Store) GroupMessages(ctx context.Context, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("limit must be positive and offset non-negative")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, message, timestamp, is_private, recipient
		   FROM messages
		  WHERE is_private = 0
		  ORDER BY timestamp DESC, seq DESC
		  LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query group messages: %w", err)
	}
	return scanDescending(rows)
}

// PrivateMessages returns the newest limit messages between a and b in ascending order.
func (s *Store) PrivateMessages(ctx context.Context, a, b string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, message, timestamp, is_private, recipient
		   FROM messages
		  WHERE is_private = 1
		    AND ((username = ? AND recipient = ?) OR (username = ? AND recipient = ?))
		  ORDER BY timestamp DESC, seq DESC
		  LIMIT ?`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query private messages: %w", err)
	}
	return scanDescending(rows)
}

// scanDescending reads newest-first rows and returns them oldest-first.
func scanDescending(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg       chat.Message
			ts        int64
			isPrivate int
			recipient sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Body, &ts, &isPrivate, &recipient); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = fromMillis(ts)
		msg.Scope = chat.ScopeGroup
		if isPrivate != 0 {
			msg.Scope = chat.ScopePrivate
			msg.Recipient = recipient.String
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CreateSession stores a session token.
func (s *Store) CreateSession(ctx context.Context, session chat.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, username, created_at, last_seen) VALUES (?, ?, ?, ?)`,
		session.Token, session.Username, toMillis(session.CreatedAt), toMillis(session.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by token.
func (s *Store) GetSession(ctx context.Context, token string) (chat.Session, error) {
	var (
		session             chat.Session
		createdAt, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, username, created_at, last_seen FROM sessions WHERE session_id = ?`,
		token,
	).Scan(&session.Token, &session.Username, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.LastSeen = fromMillis(lastSeen)
	return session, nil
}

// TouchSession refreshes last_seen.
func (s *Store) TouchSession(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = ? WHERE session_id = ?`,
		toMillis(at), token,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a token. Unknown tokens are ignored.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CreateUser registers an identity.
func (s *Store) CreateUser(ctx context.Context, user chat.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, toMillis(user.CreatedAt),
	)
	if isUniqueViolation(err) {
		return chat.ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser loads an identity by username.
func (s *Store) GetUser(ctx context.Context, username string) (chat.User, error) {
	var (
		user      chat.User
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, chat.ErrUserNotFound
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("get user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ chat.Store = (*Store)(nil)
