package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/history"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
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

func (o *outbox) snapshot() []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]map[string]any(nil), o.frames...)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) AppendMessage(context.Context, chat.Message) error {
	return errors.New("disk full")
}

type fixture struct {
	router   *chatservice.Router
	store    *memory.Store
	registry *registry.Registry
	history  *history.Service
}

func newFixture(t *testing.T, store chat.MessageStore, opts ...chatservice.Option) *fixture {
	logger := zaptest.NewLogger(t)
	mem := memory.New()
	if store == nil {
		store = mem
	}
	reg := registry.New(logger, registry.WithAfterFunc(func(time.Duration, func()) {}))
	return &fixture{
		router:   chatservice.NewRouter(store, reg, logger, opts...),
		store:    mem,
		registry: reg,
		history:  history.NewService(mem, reg, history.Config{}, logger, nil),
	}
}

func (f *fixture) connect(t *testing.T, id, identity string) *outbox {
	t.Helper()
	out := &outbox{}
	require.NoError(t, f.registry.Admit(id, out, identity, ""))
	return out
}

func TestGroupMessageReachesEveryConnectionOnce(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)

	outs := make([]*outbox, 0, 5)
	for i := 0; i < 5; i++ {
		outs = append(outs, f.connect(t, fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%3)))
	}
	pending := f.connect(t, "pending", "")

	msg, err := f.router.Route(ctx, "c0", "hello", "")
	req.NoError(err)
	req.Equal(chat.ScopeGroup, msg.Scope)

	for i, out := range outs {
		frames := out.snapshot()
		req.Len(frames, 1, "connection %d", i)
		req.Equal("message", frames[0]["type"])
		req.Equal(msg.ID, frames[0]["id"])
		req.Nil(frames[0]["recipient"])
	}
	req.Empty(pending.snapshot())

	hist, err := f.history.GroupHistory(ctx, 0)
	req.NoError(err)
	req.Len(hist, 1)
	req.Equal(msg.ID, hist[0].ID)
}

func TestAliceBobCarolScenario(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)

	alice := f.connect(t, "a", "alice")
	bob := f.connect(t, "b", "bob")
	carol := f.connect(t, "c", "carol")

	msg, err := f.router.Route(ctx, "a", "hi", "bob")
	req.NoError(err)

	for _, out := range []*outbox{alice, bob} {
		frames := out.snapshot()
		req.Len(frames, 1)
		req.Equal("private_message", frames[0]["type"])
		req.Equal("alice", frames[0]["username"])
		req.Equal("bob", frames[0]["recipient"])
		req.Equal(true, frames[0]["isPrivate"])
	}
	req.Empty(carol.snapshot())

	ab, err := f.history.PrivateHistory(ctx, "alice", "bob", 0)
	req.NoError(err)
	req.Len(ab, 1)
	req.Equal(msg.ID, ab[0].ID)

	ba, err := f.history.PrivateHistory(ctx, "bob", "alice", 0)
	req.NoError(err)
	req.Equal(ab, ba)

	cb, err := f.history.PrivateHistory(ctx, "carol", "bob", 0)
	req.NoError(err)
	req.Empty(cb)

	group, err := f.history.GroupHistory(ctx, 0)
	req.NoError(err)
	req.Empty(group)
}

func TestPrivateMessageReachesAllSenderAndRecipientTabs(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	a1 := f.connect(t, "a1", "alice")
	a2 := f.connect(t, "a2", "alice")
	b1 := f.connect(t, "b1", "bob")
	b2 := f.connect(t, "b2", "bob")

	_, err := f.router.Route(context.Background(), "a1", "psst", " bob ")
	req.NoError(err)
	for _, out := range []*outbox{a1, a2, b1, b2} {
		req.Len(out.snapshot(), 1)
	}
}

func TestPrivateMessageToOfflineRecipientIsStored(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	alice := f.connect(t, "a", "alice")

	_, err := f.router.Route(ctx, "a", "are you there", "dave")
	req.NoError(err)
	req.Len(alice.snapshot(), 1)

	hist, err := f.history.PrivateHistory(ctx, "dave", "alice", 0)
	req.NoError(err)
	req.Len(hist, 1)
}

func TestSelfPrivateRejectedAndNotPersisted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	alice := f.connect(t, "a", "alice")

	_, err := f.router.Route(ctx, "a", "note to self", "alice")
	req.ErrorIs(err, chatservice.ErrInvalidRecipient)
	req.Empty(alice.snapshot())

	hist, err := f.history.PrivateHistory(ctx, "alice", "alice", 0)
	req.NoError(err)
	req.Empty(hist)
}

func TestPendingConnectionCannotSend(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	pending := f.connect(t, "p", "")
	bob := f.connect(t, "b", "bob")

	_, err := f.router.Route(ctx, "p", "hello", "")
	req.ErrorIs(err, chatservice.ErrAuthenticationRequired)
	_, err = f.router.Route(ctx, "ghost", "hello", "")
	req.ErrorIs(err, chatservice.ErrAuthenticationRequired)

	req.Empty(pending.snapshot())
	req.Empty(bob.snapshot())
	hist, err := f.history.GroupHistory(ctx, 0)
	req.NoError(err)
	req.Empty(hist)
}

func TestEmptyAndOversizedTextRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil, chatservice.WithMaxRunes(10))
	f.connect(t, "a", "alice")

	_, err := f.router.Route(context.Background(), "a", "   ", "")
	req.ErrorIs(err, chatservice.ErrEmptyText)

	_, err = f.router.Route(context.Background(), "a", "01234567890", "")
	req.ErrorIs(err, chatservice.ErrMessageTooLong)

	_, err = f.router.Route(context.Background(), "a", "ten runes!", "")
	req.NoError(err)
}

func TestPersistenceFailureIsNotDelivered(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, failingStore{memory.New()})
	alice := f.connect(t, "a", "alice")
	bob := f.connect(t, "b", "bob")

	_, err := f.router.Route(context.Background(), "a", "hello", "")
	req.ErrorIs(err, chatservice.ErrPersistence)
	req.Empty(alice.snapshot())
	req.Empty(bob.snapshot())
}

func TestConcurrentRoutesDeliverInPersistOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t, nil)
	watcher := f.connect(t, "w", "watcher")
	for i := 0; i < 4; i++ {
		f.connect(t, fmt.Sprintf("s%d", i), fmt.Sprintf("sender%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = f.router.Route(ctx, fmt.Sprintf("s%d", i), fmt.Sprintf("m%d", j), "")
			}
		}(i)
	}
	wg.Wait()

	stored, err := f.store.GroupMessages(ctx, 100, 0)
	req.NoError(err)
	frames := watcher.snapshot()
	req.Len(frames, len(stored))
	for i := range stored {
		req.Equal(stored[i].ID, frames[i]["id"])
	}
}
