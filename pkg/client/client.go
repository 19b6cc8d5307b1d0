// Package client implements the chat connection lifecycle: connect,
// authenticate, operate, and reconnect with linear backoff after a drop.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxAttempts = 5
	DefaultDialTimeout = 10 * time.Second
)

var (
	ErrAlreadyConnected = errors.New("client: connection already open or in progress")
	ErrNotConnected     = errors.New("client: not connected")
)

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpenPending
	StateOpenAuthenticated
	// StateFailed is terminal until Connect is called again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpenPending:
		return "open/pending"
	case StateOpenAuthenticated:
		return "open/authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the connection parameters.
type Config struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	// AutoLogin answers login_required with an in-band login for the known identity.
	AutoLogin bool
}

// Credentials seed a connection. Username is the known identity; Token may be empty.
type Credentials struct {
	Username string
	Token    string
}

type Option func(*Client)

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStateHook observes every state transition, outside the client lock.
func WithStateHook(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithFrameHook observes every decoded server frame, outside the client lock.
func WithFrameHook(fn func(protocol.Outbound)) Option {
	return func(c *Client) { c.onFrame = fn }
}

// Client owns at most one transport at a time.
type Client struct {
	cfg    Config
	clock  Clock
	dialer Dialer
	logger *zap.Logger
	inbox  *Inbox

	onState func(State)
	onFrame func(protocol.Outbound)

	mu        sync.Mutex
	state     State
	attempts  int
	gen       uint64
	dialing   bool
	timer     Timer
	transport Transport
	identity  string
	token     string
	changes   []State
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	c := &Client{
		cfg:    cfg,
		clock:  RealClock,
		dialer: WebSocketDialer{},
		logger: zap.NewNop(),
		inbox:  NewInbox(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

func (c *Client) Inbox() *Inbox { return c.inbox }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the known identity, empty before any login.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Token returns the latest session token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Attempts returns the number of reconnects scheduled since the last open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts a fresh connection cycle, cancelling any scheduled retry and
// resetting the attempt counter. It is how a user leaves StateFailed.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.dialing || c.transport != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.stopTimerLocked()
	c.gen++
	c.attempts = 0
	c.identity = creds.Username
	c.token = creds.Token
	c.inbox.SetSelf(creds.Username)
	gen := c.gen
	c.mu.Unlock()

	return c.dial(ctx, gen)
}

// Logout drops the transport, cancels any scheduled reconnect and forgets the identity.
func (c *Client) Logout() {
	c.mu.Lock()
	c.gen++
	c.stopTimerLocked()
	t := c.transport
	c.transport = nil
	c.attempts = 0
	c.identity = ""
	c.token = ""
	c.inbox.Reset()
	c.setStateLocked(StateDisconnected)
	c.unlockAndNotify()

	if t != nil {
		_ = t.Close()
	}
}

// Send routes text to the group, or privately when recipient is set.
func (c *Client) Send(text, recipient string) error {
	return c.write(protocol.Send{Text: text, Recipient: recipient})
}

// Login claims a name in-band on a pending connection.
func (c *Client) Login(username string) error {
	return c.write(protocol.Login{Username: username})
}

// RequestPrivateHistory asks for the conversation with peer.
func (c *Client) RequestPrivateHistory(peer string) error {
	return c.write(protocol.PrivateHistoryRequest{OtherUser: peer})
}

// OpenConversation focuses a conversation and clears its unread counter.
// A private conversation opened for the first time, or first since a new
// session, requests its history.
func (c *Client) OpenConversation(key string) error {
	if needsHistory := c.inbox.Focus(key); needsHistory && key != GroupConversation {
		return c.RequestPrivateHistory(key)
	}
	return nil
}

func (c *Client) write(frame protocol.Inbound) error {
	data, err := protocol.EncodeInbound(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Write(data)
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if gen != c.gen || c.dialing || c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	token := c.token
	c.setStateLocked(StateConnecting)
	c.unlockAndNotify()

	t, err := c.dialer.Dial(ctx, c.cfg.URL, token)

	c.mu.Lock()
	c.dialing = false
	if gen != c.gen {
		c.unlockAndNotify()
		if t != nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		c.logger.Warn("dial failed", zap.Int("attempt", c.attempts), zap.Error(err))
		c.closedLocked()
		c.unlockAndNotify()
		return err
	}
	c.transport = t
	c.attempts = 0
	c.setStateLocked(StateOpenPending)
	c.unlockAndNotify()

	go c.readLoop(gen, t)
	return nil
}

func (c *Client) reconnect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	_ = c.dial(ctx, gen)
}

func (c *Client) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Read()
		if err != nil {
			c.logger.Debug("transport closed", zap.Error(err))
			break
		}
		c.handleFrame(gen, t, data)
	}

	c.mu.Lock()
	if gen == c.gen && c.transport == t {
		c.closedLocked()
	}
	c.unlockAndNotify()
	_ = t.Close()
}

func (c *Client) handleFrame(gen uint64, t Transport, data []byte) {
	frame, err := protocol.DecodeOutbound(data)
	if err != nil {
		c.logger.Warn("ignoring server frame", zap.Error(err))
		return
	}

	var login, refetch []byte
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	switch f := frame.(type) {
	case protocol.SessionFrame:
		c.identity = f.Username
		c.token = f.SessionID
		c.inbox.SetSelf(f.Username)
		// Private replays from an earlier link may be missing messages sent while offline.
		if peer := c.inbox.Invalidate(); peer != GroupConversation {
			refetch, _ = protocol.EncodeInbound(protocol.PrivateHistoryRequest{OtherUser: peer})
		}
		c.setStateLocked(StateOpenAuthenticated)
	case protocol.LoginRequiredFrame:
		if c.cfg.AutoLogin && c.identity != "" && c.state == StateOpenPending {
			login, _ = protocol.EncodeInbound(protocol.Login{Username: c.identity})
		}
	case protocol.HistoryFrame:
		c.inbox.Merge(GroupConversation, toMessages(f.Messages))
	case protocol.PrivateHistoryFrame:
		c.inbox.Merge(f.WithUser, toMessages(f.Messages))
	case protocol.MessageFrame:
		c.inbox.Receive(f.ToMessage())
	}
	c.unlockAndNotify()

	if login != nil {
		if err := t.Write(login); err != nil {
			c.logger.Warn("auto login failed", zap.Error(err))
		}
	}
	if refetch != nil {
		if err := t.Write(refetch); err != nil {
			c.logger.Warn("private history refetch failed", zap.Error(err))
		}
	}
	if c.onFrame != nil {
		c.onFrame(frame)
	}
}

// closedLocked applies the close transition: reconnect only with a known identity.
func (c *Client) closedLocked() {
	c.transport = nil
	if c.identity == "" {
		c.setStateLocked(StateDisconnected)
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.logger.Error("giving up after repeated connection failures", zap.Int("attempts", c.attempts))
		c.setStateLocked(StateFailed)
		return
	}
	c.attempts++
	delay := c.cfg.BaseDelay * time.Duration(c.attempts)
	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.setStateLocked(StateConnecting)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.changes = append(c.changes, s)
}

func (c *Client) unlockAndNotify() {
	changes := c.changes
	c.changes = nil
	c.mu.Unlock()
	if c.onState == nil {
		return
	}
	for _, s := range changes {
		c.onState(s)
	}
}

func toMessages(wire []protocol.WireMessage) []chat.Message {
	out := make([]chat.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.ToMessage())
	}
	return out
}
