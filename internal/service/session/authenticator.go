// Package session resolves session tokens to identities and completes in-band logins.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
)

var (
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")
	ErrUnknownConnection    = errors.New("connection not registered")
	ErrUsernameRequired     = errors.New("username is required")
)

// Resolution is the outcome of resolving a token at connect time.
type Resolution struct {
	Identity string
	Token    string
	Pending  bool
}

// GroupReplayer sends the group backlog to a connection.
type GroupReplayer interface {
	ReplayGroup(ctx context.Context, connID string) error
}

// Authenticator owns session lookup, expiry and in-band login.
type Authenticator struct {
	store    chat.SessionStore
	registry *registry.Registry
	history  GroupReplayer
	ttl      time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now      func() time.Time
	fallback func() string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithFallbackName overrides the generator used for blank login names.
func WithFallbackName(fn func() string) Option {
	return func(a *Authenticator) { a.fallback = fn }
}

// WithMetrics counts minted sessions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// NewAuthenticator wires the authenticator. A non-positive ttl disables expiry.
func NewAuthenticator(store chat.SessionStore, reg *registry.Registry, history GroupReplayer, ttl time.Duration, logger *zap.Logger, opts ...Option) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{
		store:    store,
		registry: reg,
		history:  history,
		ttl:      ttl,
		logger:   logger.Named("session"),
		now:      time.Now,
		fallback: func() string { return fmt.Sprintf("User%d", rand.IntN(10000)) },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Resolve maps token to an identity and refreshes its last-seen time. Missing,
// unknown and expired tokens resolve to a pending result; the returned error
// is non-nil only for store failures.
func (a *Authenticator) Resolve(ctx context.Context, token string) (Resolution, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Resolution{Pending: true}, nil
	}

	sess, err := a.store.GetSession(ctx, token)
	if errors.Is(err, chat.ErrSessionNotFound) {
		return Resolution{Pending: true}, nil
	}
	if err != nil {
		return Resolution{Pending: true}, fmt.Errorf("get session: %w", err)
	}

	now := a.now().UTC()
	if sess.Expired(now, a.ttl) {
		if err := a.store.DeleteSession(ctx, token); err != nil {
			a.logger.Warn("delete expired session failed", zap.Error(err))
		}
		a.logger.Debug("session expired", zap.String("user", sess.Username))
		return Resolution{Pending: true}, nil
	}

	if err := a.store.TouchSession(ctx, token, now); err != nil && !errors.Is(err, chat.ErrSessionNotFound) {
		a.logger.Warn("touch session failed", zap.String("user", sess.Username), zap.Error(err))
	}
	return Resolution{Identity: sess.Username, Token: sess.Token}, nil
}

// Mint creates and stores a new session for username.
func (a *Authenticator) Mint(ctx context.Context, username string) (chat.Session, error) {
	if username == "" {
		return chat.Session{}, ErrUsernameRequired
	}
	now := a.now().UTC()
	sess := chat.Session{
		Token:     uuid.NewString(),
		Username:  username,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := a.store.CreateSession(ctx, sess); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Revoke deletes a session token.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := a.store.DeleteSession(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Attach admits a new connection. Resolved connections immediately receive
// their session frame followed by the group history.
func (a *Authenticator) Attach(ctx context.Context, connID string, outbox registry.Outbox, token string) (Resolution, error) {
	res, err := a.Resolve(ctx, token)
	if err != nil {
		a.logger.Warn("session lookup failed, admitting as pending", zap.String("conn", connID), zap.Error(err))
	}
	if err := a.registry.Admit(connID, outbox, res.Identity, res.Token); err != nil {
		return Resolution{}, err
	}
	if res.Pending {
		return res, nil
	}

	a.welcome(ctx, connID, res.Identity, res.Token)
	return res, nil
}

// CompleteLogin binds a pending connection to username without a password
// check. Blank names get a generated fallback.
func (a *Authenticator) CompleteLogin(ctx context.Context, connID, username string) (chat.Session, error) {
	conn, ok := a.registry.Lookup(connID)
	if !ok {
		return chat.Session{}, ErrUnknownConnection
	}
	if !conn.Pending {
		return chat.Session{}, ErrAlreadyAuthenticated
	}

	name := chat.NormalizeUsername(username)
	if name == "" {
		name = a.fallback()
	}

	sess, err := a.Mint(ctx, name)
	if err != nil {
		return chat.Session{}, err
	}
	if !a.registry.Promote(connID, name, sess.Token) {
		// Lost a race with another login or the connection closed.
		_ = a.store.DeleteSession(ctx, sess.Token)
		if _, still := a.registry.Lookup(connID); !still {
			return chat.Session{}, ErrUnknownConnection
		}
		return chat.Session{}, ErrAlreadyAuthenticated
	}

	a.metrics.Login("socket")
	a.logger.Info("user logged in", zap.String("conn", connID), zap.String("user", name))
	a.welcome(ctx, connID, name, sess.Token)
	return sess, nil
}

func (a *Authenticator) welcome(ctx context.Context, connID, identity, token string) {
	a.registry.Send(connID, protocol.MustEncode(protocol.SessionFrame{Username: identity, SessionID: token}))
	if a.history == nil {
		return
	}
	if err := a.history.ReplayGroup(ctx, connID); err != nil {
		a.logger.Warn("group history replay failed", zap.String("conn", connID), zap.Error(err))
	}
}
