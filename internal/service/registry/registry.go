// Package registry tracks live socket connections and the identities bound to them.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
)

var (
	ErrConnectionExists = errors.New("connection already registered")
	ErrConnectionID     = errors.New("connection id is required")

	// ErrOutboxFull means the consumer is too slow and the frame was dropped.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed means the connection is shutting down.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox queues encoded frames for one connection. Enqueue must not block and
// reports ErrOutboxFull or ErrOutboxClosed when the frame is not queued.
type Outbox interface {
	Enqueue(frame []byte) error
	Close()
}

// Connection is a read-only snapshot of a registry entry.
type Connection struct {
	ID           string
	Identity     string
	SessionToken string
	Pending      bool
}

// Stats summarizes the registry for metrics.
type Stats struct {
	Total      int
	Pending    int
	Identities int
}

type entry struct {
	info   Connection
	outbox Outbox
}

// Registry is the concurrent index connection -> identity and identity -> connections.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*entry
	byIdentity map[string]map[string]struct{}

	logger     *zap.Logger
	metrics    *metrics.Metrics
	loginGrace time.Duration
	afterFunc  func(time.Duration, func())
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoginGrace sets the delay before a pending connection is prompted to log in.
func WithLoginGrace(d time.Duration) Option {
	return func(r *Registry) { r.loginGrace = d }
}

// WithAfterFunc replaces time.AfterFunc; tests use it to fire timers by hand.
func WithAfterFunc(fn func(time.Duration, func())) Option {
	return func(r *Registry) { r.afterFunc = fn }
}

// WithMetrics records connection gauges and outbox drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New builds an empty registry.
func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		conns:      make(map[string]*entry),
		byIdentity: make(map[string]map[string]struct{}),
		logger:     logger.Named("registry"),
		loginGrace: 100 * time.Millisecond,
		afterFunc: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit inserts a connection. An empty identity admits it as pending; a pending
// connection still registered and pending after the grace delay gets login_required.
func (r *Registry) Admit(id string, outbox Outbox, identity, token string) error {
	if id == "" {
		return ErrConnectionID
	}

	r.mu.Lock()
	if _, ok := r.conns[id]; ok {
		r.mu.Unlock()
		return ErrConnectionExists
	}
	pending := identity == ""
	r.conns[id] = &entry{
		info:   Connection{ID: id, Identity: identity, SessionToken: token, Pending: pending},
		outbox: outbox,
	}
	if !pending {
		r.index(identity, id)
	}
	r.recordLocked()
	r.mu.Unlock()

	r.logger.Debug("connection admitted", zap.String("conn", id), zap.String("user", identity), zap.Bool("pending", pending))

	if pending {
		r.afterFunc(r.loginGrace, func() { r.promptLogin(id) })
	}
	return nil
}

func (r *Registry) promptLogin(id string) {
	frame := protocol.MustEncode(protocol.LoginRequiredFrame{})

	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || !e.info.Pending {
		return
	}
	r.deliverLocked(e, frame)
}

// Promote binds identity to a pending connection. It is a no-op, returning
// false, for absent or already authenticated connections.
func (r *Registry) Promote(id, identity, token string) bool {
	if identity == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || !e.info.Pending {
		return false
	}
	e.info.Identity = identity
	e.info.SessionToken = token
	e.info.Pending = false
	r.index(identity, id)
	r.recordLocked()
	return true
}

// Remove drops a connection and closes its outbox. Absent ids are ignored.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	if !e.info.Pending {
		if set := r.byIdentity[e.info.Identity]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byIdentity, e.info.Identity)
			}
		}
	}
	r.recordLocked()
	r.mu.Unlock()

	if e.outbox != nil {
		e.outbox.Close()
	}
	r.logger.Debug("connection removed", zap.String("conn", id), zap.String("user", e.info.Identity))
	return true
}

// Lookup returns the snapshot for id.
func (r *Registry) Lookup(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.info, true
}

// ConnectionsFor lists the authenticated connections of identity.
func (r *Registry) ConnectionsFor(identity string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	out := make([]Connection, 0, len(set))
	for id := range set {
		out = append(out, r.conns[id].info)
	}
	return out
}

// OnlineIdentities lists distinct identities with an authenticated connection.
func (r *Registry) OnlineIdentities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byIdentity)
}

// Stats reports current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

// Broadcast delivers frame to every authenticated connection and returns the
// number of connections that accepted it.
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, e := range r.conns {
		if e.info.Pending {
			continue
		}
		if r.deliverLocked(e, frame) {
			delivered++
		}
	}
	return delivered
}

// SendTo delivers frame once to each connection of the named identities.
func (r *Registry) SendTo(frame []byte, identities ...string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for _, identity := range lo.Uniq(identities) {
		for id := range r.byIdentity[identity] {
			if r.deliverLocked(r.conns[id], frame) {
				delivered++
			}
		}
	}
	return delivered
}

// Send delivers frame to a single connection, pending or not.
func (r *Registry) Send(id string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	return r.deliverLocked(e, frame)
}

func (r *Registry) deliverLocked(e *entry, frame []byte) bool {
	if e.outbox == nil {
		return false
	}
	err := e.outbox.Enqueue(frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrOutboxClosed):
		r.logger.Debug("outbox closed, frame skipped", zap.String("conn", e.info.ID))
	default:
		r.metrics.OutboxDrop()
		r.logger.Warn("outbox full, frame dropped", zap.String("conn", e.info.ID), zap.String("user", e.info.Identity), zap.Error(err))
	}
	return false
}

func (r *Registry) index(identity, id string) {
	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[identity] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) statsLocked() Stats {
	pending := 0
	for _, e := range r.conns {
		if e.info.Pending {
			pending++
		}
	}
	return Stats{Total: len(r.conns), Pending: pending, Identities: len(r.byIdentity)}
}

func (r *Registry) recordLocked() {
	if r.metrics == nil {
		return
	}
	s := r.statsLocked()
	r.metrics.SetConnections(s.Total, s.Pending, s.Identities)
}
