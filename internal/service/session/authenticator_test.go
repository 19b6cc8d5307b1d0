package session_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/history"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
	"github.com/zhouzirui/z-chat/backend/internal/store/memory"
)

type outbox struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (o *outbox) Enqueue(frame []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	o.mu.Lock()
	o.frames = append(o.frames, decoded)
	o.mu.Unlock()
	return nil
}

func (o *outbox) Close() {}

func (o *outbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.frames))
	for _, f := range o.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

type fixture struct {
	auth     *session.Authenticator
	store    *memory.Store
	registry *registry.Registry
	now      time.Time
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	f := &fixture{store: memory.New(), now: time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)}
	logger := zaptest.NewLogger(t)
	f.registry = registry.New(logger, registry.WithAfterFunc(func(time.Duration, func()) {}))
	hist := history.NewService(f.store, f.registry, history.Config{}, logger, nil)
	f.auth = session.NewAuthenticator(f.store, f.registry, hist, ttl, logger,
		session.WithClock(func() time.Time { return f.now }),
		session.WithFallbackName(func() string { return "User42" }),
	)
	return f
}

func TestResolveEmptyAndUnknownArePending(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)

	res, err := f.auth.Resolve(context.Background(), "")
	req.NoError(err)
	req.True(res.Pending)

	res, err = f.auth.Resolve(context.Background(), "not-a-token")
	req.NoError(err)
	req.True(res.Pending)
	req.Empty(res.Identity)
}

func TestResolveRefreshesLastSeen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	sess, err := f.auth.Mint(ctx, "alice")
	req.NoError(err)

	f.now = f.now.Add(30 * time.Minute)
	res, err := f.auth.Resolve(ctx, sess.Token)
	req.NoError(err)
	req.False(res.Pending)
	req.Equal("alice", res.Identity)

	stored, err := f.store.GetSession(ctx, sess.Token)
	req.NoError(err)
	req.True(f.now.Equal(stored.LastSeen))

	// Still valid: idle time is measured from the refreshed last-seen.
	f.now = f.now.Add(50 * time.Minute)
	res, err = f.auth.Resolve(ctx, sess.Token)
	req.NoError(err)
	req.False(res.Pending)
}

func TestResolveExpiredSessionIsDeleted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	sess, err := f.auth.Mint(ctx, "alice")
	req.NoError(err)

	f.now = f.now.Add(2 * time.Hour)
	res, err := f.auth.Resolve(ctx, sess.Token)
	req.NoError(err)
	req.True(res.Pending)

	_, err = f.store.GetSession(ctx, sess.Token)
	req.ErrorIs(err, chat.ErrSessionNotFound)
}

func TestAttachResolvedSendsSessionThenHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	out := &outbox{}

	sess, err := f.auth.Mint(ctx, "alice")
	req.NoError(err)

	res, err := f.auth.Attach(ctx, "c1", out, sess.Token)
	req.NoError(err)
	req.False(res.Pending)
	req.Equal([]string{"session", "history"}, out.types())
	req.Equal("alice", out.frames[0]["username"])
	req.Equal(sess.Token, out.frames[0]["sessionId"])
	req.Equal([]string{"alice"}, f.registry.OnlineIdentities())
}

func TestAttachUnknownTokenIsPending(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, time.Hour)
	out := &outbox{}

	res, err := f.auth.Attach(context.Background(), "c1", out, "stale")
	req.NoError(err)
	req.True(res.Pending)
	req.Empty(out.types())
	req.Empty(f.registry.OnlineIdentities())
}

func TestCompleteLoginPromotesAndWelcomes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	out := &outbox{}

	_, err := f.auth.Attach(ctx, "c1", out, "")
	req.NoError(err)

	sess, err := f.auth.CompleteLogin(ctx, "c1", "  alice  ")
	req.NoError(err)
	req.Equal("alice", sess.Username)
	req.Equal([]string{"session", "history"}, out.types())

	conn, ok := f.registry.Lookup("c1")
	req.True(ok)
	req.False(conn.Pending)
	req.Equal(sess.Token, conn.SessionToken)

	stored, err := f.store.GetSession(ctx, sess.Token)
	req.NoError(err)
	req.Equal("alice", stored.Username)
}

func TestCompleteLoginNormalizesName(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	req.NoError(f.registry.Admit("long", &outbox{}, "", ""))
	sess, err := f.auth.CompleteLogin(ctx, "long", strings.Repeat("x", 30))
	req.NoError(err)
	req.Equal(strings.Repeat("x", 20), sess.Username)

	req.NoError(f.registry.Admit("blank", &outbox{}, "", ""))
	sess, err = f.auth.CompleteLogin(ctx, "blank", "   ")
	req.NoError(err)
	req.Equal("User42", sess.Username)
}

func TestCompleteLoginIgnoredWhenAuthenticated(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	out := &outbox{}

	req.NoError(f.registry.Admit("c1", out, "alice", "tok"))
	_, err := f.auth.CompleteLogin(ctx, "c1", "mallory")
	req.ErrorIs(err, session.ErrAlreadyAuthenticated)

	conn, _ := f.registry.Lookup("c1")
	req.Equal("alice", conn.Identity)
	req.Empty(out.types())

	_, err = f.auth.CompleteLogin(ctx, "ghost", "bob")
	req.ErrorIs(err, session.ErrUnknownConnection)
}

func TestRevoke(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	sess, err := f.auth.Mint(ctx, "alice")
	req.NoError(err)
	req.NoError(f.auth.Revoke(ctx, sess.Token))
	req.NoError(f.auth.Revoke(ctx, ""))

	res, err := f.auth.Resolve(ctx, sess.Token)
	req.NoError(err)
	req.True(res.Pending)
}
