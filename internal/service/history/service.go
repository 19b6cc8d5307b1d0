// Package history serves message backlog from the store.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
)

const (
	DefaultGroupLimit   = 50
	DefaultPrivateLimit = 100
	DefaultPageLimit    = 100
	MaxPageLimit        = 500
)

var (
	ErrUnknownConnection = errors.New("connection not registered")
	ErrUnauthenticated   = errors.New("connection is not authenticated")
	ErrPeerRequired      = errors.New("other user is required")
)

// Sender delivers an encoded frame to one connection.
type Sender interface {
	Send(connID string, frame []byte) bool
	Lookup(connID string) (registry.Connection, bool)
}

// Service reads history and replays it onto connections.
type Service struct {
	store        chat.MessageStore
	sender       Sender
	logger       *zap.Logger
	metrics      *metrics.Metrics
	groupLimit   int
	privateLimit int
}

// Config overrides default limits. Zero values keep the defaults.
type Config struct {
	GroupLimit   int
	PrivateLimit int
}

// NewService wires the history service.
func NewService(store chat.MessageStore, sender Sender, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:        store,
		sender:       sender,
		logger:       logger.Named("history"),
		metrics:      m,
		groupLimit:   DefaultGroupLimit,
		privateLimit: DefaultPrivateLimit,
	}
	if cfg.GroupLimit > 0 {
		s.groupLimit = cfg.GroupLimit
	}
	if cfg.PrivateLimit > 0 {
		s.privateLimit = cfg.PrivateLimit
	}
	return s
}

// GroupHistory returns the newest limit group messages, oldest first.
func (s *Service) GroupHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = s.groupLimit
	}
	msgs, err := s.store.GroupMessages(ctx, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("load group history: %w", err)
	}
	return msgs, nil
}

// GroupPage pages back from the newest group message.
func (s *Service) GroupPage(ctx context.Context, limit, offset int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := s.store.GroupMessages(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("load group page: %w", err)
	}
	return msgs, nil
}

// PrivateHistory returns the conversation between a and b, oldest first.
func (s *Service) PrivateHistory(ctx context.Context, a, b string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = s.privateLimit
	}
	msgs, err := s.store.PrivateMessages(ctx, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("load private history: %w", err)
	}
	return msgs, nil
}

// ReplayGroup sends a history frame to connID.
func (s *Service) ReplayGroup(ctx context.Context, connID string) error {
	msgs, err := s.GroupHistory(ctx, 0)
	if err != nil {
		return err
	}
	if !s.sender.Send(connID, protocol.MustEncode(protocol.NewHistoryFrame(msgs))) {
		return ErrUnknownConnection
	}
	s.metrics.HistoryDelivered(string(chat.ScopeGroup))
	return nil
}

// ReplayPrivate sends the conversation between connID's identity and other.
func (s *Service) ReplayPrivate(ctx context.Context, connID, other string) error {
	other = strings.TrimSpace(other)
	if other == "" {
		return ErrPeerRequired
	}
	conn, ok := s.sender.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if conn.Pending || conn.Identity == "" {
		return ErrUnauthenticated
	}

	msgs, err := s.PrivateHistory(ctx, conn.Identity, other, 0)
	if err != nil {
		return err
	}
	if !s.sender.Send(connID, protocol.MustEncode(protocol.NewPrivateHistoryFrame(other, msgs))) {
		return ErrUnknownConnection
	}
	s.metrics.HistoryDelivered(string(chat.ScopePrivate))
	s.logger.Debug("private history sent", zap.String("conn", connID), zap.String("user", conn.Identity), zap.String("with", other), zap.Int("count", len(msgs)))
	return nil
}
