// Package chat routes inbound chat messages to storage and live connections.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrEmptyText              = errors.New("message text is empty")
	ErrMessageTooLong         = errors.New("message text too long")
	ErrInvalidRecipient       = errors.New("cannot send a private message to yourself")
	ErrPersistence            = errors.New("message could not be stored")
)

// DefaultMaxRunes caps message bodies when no limit is configured.
const DefaultMaxRunes = 2000

// Fanout is the registry surface the router delivers through.
type Fanout interface {
	Lookup(connID string) (registry.Connection, bool)
	Broadcast(frame []byte) int
	SendTo(frame []byte, identities ...string) int
}

// Router persists messages and then delivers them. Route calls are serialized
// so persist order and delivery order agree.
type Router struct {
	mu       sync.Mutex
	store    chat.MessageStore
	fanout   Fanout
	logger   *zap.Logger
	metrics  *metrics.Metrics
	maxRunes int
	now      func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithMaxRunes overrides DefaultMaxRunes.
func WithMaxRunes(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxRunes = n
		}
	}
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMetrics records routed, rejected and failed messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter wires a router.
func NewRouter(store chat.MessageStore, fanout Fanout, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		store:    store,
		fanout:   fanout,
		logger:   logger.Named("router"),
		maxRunes: DefaultMaxRunes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route handles one message from connID. An empty recipient (after trimming)
// broadcasts to the group; otherwise the message goes to every connection of
// the recipient and the sender.
func (r *Router) Route(ctx context.Context, connID, text, recipient string) (chat.Message, error) {
	conn, ok := r.fanout.Lookup(connID)
	if !ok || conn.Pending || conn.Identity == "" {
		r.metrics.MessageRejected("unauthenticated")
		return chat.Message{}, ErrAuthenticationRequired
	}
	if strings.TrimSpace(text) == "" {
		r.metrics.MessageRejected("empty")
		return chat.Message{}, ErrEmptyText
	}
	if utf8.RuneCountInString(text) > r.maxRunes {
		r.metrics.MessageRejected("too_long")
		return chat.Message{}, ErrMessageTooLong
	}

	recipient = strings.TrimSpace(recipient)
	if recipient == conn.Identity {
		r.metrics.MessageRejected("self_recipient")
		return chat.Message{}, ErrInvalidRecipient
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg := chat.Message{
		ID:        uuid.NewString(),
		Sender:    conn.Identity,
		Body:      text,
		Timestamp: r.now().UTC(),
		Scope:     chat.ScopeGroup,
	}
	if recipient != "" {
		msg.Scope = chat.ScopePrivate
		msg.Recipient = recipient
	}

	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.metrics.PersistFailure()
		r.logger.Error("persist message failed, not delivering",
			zap.String("conn", connID), zap.String("user", msg.Sender), zap.String("scope", string(msg.Scope)), zap.Error(err))
		return chat.Message{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	frame := protocol.MustEncode(protocol.NewMessageFrame(msg))
	var delivered int
	if msg.IsPrivate() {
		delivered = r.fanout.SendTo(frame, msg.Recipient, msg.Sender)
	} else {
		delivered = r.fanout.Broadcast(frame)
	}

	r.metrics.MessageRouted(string(msg.Scope))
	r.logger.Debug("message routed",
		zap.String("id", msg.ID), zap.String("user", msg.Sender), zap.String("scope", string(msg.Scope)),
		zap.String("recipient", msg.Recipient), zap.Int("delivered", delivered))
	return msg, nil
}
