// Package storetest holds behaviour checks shared by every chat.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) chat.Store

var base = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)

func group(id, sender string, at time.Duration) chat.Message {
	return chat.Message{ID: id, Sender: sender, Body: "body " + id, Timestamp: base.Add(at), Scope: chat.ScopeGroup}
}

func private(id, sender, recipient string, at time.Duration) chat.Message {
	return chat.Message{ID: id, Sender: sender, Body: "body " + id, Timestamp: base.Add(at), Scope: chat.ScopePrivate, Recipient: recipient}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// Run exercises the full chat.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("group window ascending", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		for i := 0; i < 5; i++ {
			req.NoError(store.AppendMessage(ctx, group(fmt.Sprintf("g%d", i), "alice", time.Duration(i)*time.Second)))
		}
		req.NoError(store.AppendMessage(ctx, private("p0", "alice", "bob", 10*time.Second)))

		got, err := store.GroupMessages(ctx, 3, 0)
		req.NoError(err)
		req.Equal([]string{"g2", "g3", "g4"}, ids(got))

		got, err = store.GroupMessages(ctx, 2, 2)
		req.NoError(err)
		req.Equal([]string{"g1", "g2"}, ids(got))

		got, err = store.GroupMessages(ctx, 10, 4)
		req.NoError(err)
		req.Equal([]string{"g0"}, ids(got))

		got, err = store.GroupMessages(ctx, 10, 50)
		req.NoError(err)
		req.Empty(got)
	})

	t.Run("message fields survive", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		want := private("p1", "alice", "bob", 1500*time.Millisecond)
		req.NoError(store.AppendMessage(ctx, want))

		got, err := store.PrivateMessages(ctx, "alice", "bob", 10)
		req.NoError(err)
		req.Len(got, 1)
		req.Equal(want.ID, got[0].ID)
		req.Equal(want.Sender, got[0].Sender)
		req.Equal(want.Body, got[0].Body)
		req.Equal(want.Recipient, got[0].Recipient)
		req.Equal(chat.ScopePrivate, got[0].Scope)
		req.True(want.Timestamp.Equal(got[0].Timestamp))
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		for _, id := range []string{"a", "b", "c"} {
			req.NoError(store.AppendMessage(ctx, group(id, "alice", 0)))
		}
		got, err := store.GroupMessages(ctx, 10, 0)
		req.NoError(err)
		req.Equal([]string{"a", "b", "c"}, ids(got))
	})

	t.Run("private history is symmetric and isolated", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		req.NoError(store.AppendMessage(ctx, private("ab1", "alice", "bob", 1*time.Second)))
		req.NoError(store.AppendMessage(ctx, private("ba1", "bob", "alice", 2*time.Second)))
		req.NoError(store.AppendMessage(ctx, private("ac1", "alice", "carol", 3*time.Second)))
		req.NoError(store.AppendMessage(ctx, group("g1", "bob", 4*time.Second)))

		ab, err := store.PrivateMessages(ctx, "alice", "bob", 100)
		req.NoError(err)
		ba, err := store.PrivateMessages(ctx, "bob", "alice", 100)
		req.NoError(err)
		req.Equal([]string{"ab1", "ba1"}, ids(ab))
		req.Equal(ids(ab), ids(ba))

		bc, err := store.PrivateMessages(ctx, "bob", "carol", 100)
		req.NoError(err)
		req.Empty(bc)

		groupOnly, err := store.GroupMessages(ctx, 100, 0)
		req.NoError(err)
		req.Equal([]string{"g1"}, ids(groupOnly))
	})

	t.Run("private limit keeps newest", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		for i := 0; i < 4; i++ {
			req.NoError(store.AppendMessage(ctx, private(fmt.Sprintf("p%d", i), "alice", "bob", time.Duration(i)*time.Second)))
		}
		got, err := store.PrivateMessages(ctx, "alice", "bob", 2)
		req.NoError(err)
		req.Equal([]string{"p2", "p3"}, ids(got))
	})

	t.Run("duplicate message id rejected", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		req.NoError(store.AppendMessage(ctx, group("dup", "alice", 0)))
		req.ErrorIs(store.AppendMessage(ctx, group("dup", "bob", time.Second)), chat.ErrDuplicateMessage)
	})

	t.Run("invalid window rejected", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		_, err := store.GroupMessages(ctx, 0, 0)
		req.Error(err)
		_, err = store.GroupMessages(ctx, 10, -1)
		req.Error(err)
		_, err = store.PrivateMessages(ctx, "a", "b", 0)
		req.Error(err)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		session := chat.Session{Token: "tok-1", Username: "alice", CreatedAt: base, LastSeen: base}
		req.NoError(store.CreateSession(ctx, session))

		got, err := store.GetSession(ctx, "tok-1")
		req.NoError(err)
		req.Equal("alice", got.Username)
		req.True(base.Equal(got.LastSeen))

		later := base.Add(time.Hour)
		req.NoError(store.TouchSession(ctx, "tok-1", later))
		got, err = store.GetSession(ctx, "tok-1")
		req.NoError(err)
		req.True(later.Equal(got.LastSeen))
		req.True(base.Equal(got.CreatedAt))

		req.NoError(store.DeleteSession(ctx, "tok-1"))
		_, err = store.GetSession(ctx, "tok-1")
		req.ErrorIs(err, chat.ErrSessionNotFound)
		req.ErrorIs(store.TouchSession(ctx, "tok-1", later), chat.ErrSessionNotFound)
		req.NoError(store.DeleteSession(ctx, "never-existed"))
	})

	t.Run("many sessions per identity", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		req.NoError(store.CreateSession(ctx, chat.Session{Token: "t1", Username: "alice", CreatedAt: base, LastSeen: base}))
		req.NoError(store.CreateSession(ctx, chat.Session{Token: "t2", Username: "alice", CreatedAt: base, LastSeen: base}))
		req.NoError(store.DeleteSession(ctx, "t1"))

		got, err := store.GetSession(ctx, "t2")
		req.NoError(err)
		req.Equal("alice", got.Username)
	})

	t.Run("users unique by name", func(t *testing.T) {
		req := require.New(t)
		ctx := context.Background()
		store := newStore(t)

		user := chat.User{ID: "u1", Username: "alice", PasswordHash: "hash", CreatedAt: base}
		req.NoError(store.CreateUser(ctx, user))
		req.ErrorIs(store.CreateUser(ctx, chat.User{ID: "u2", Username: "alice", PasswordHash: "other", CreatedAt: base}), chat.ErrUserExists)

		got, err := store.GetUser(ctx, "alice")
		req.NoError(err)
		req.Equal("u1", got.ID)
		req.Equal("hash", got.PasswordHash)

		_, err = store.GetUser(ctx, "bob")
		req.ErrorIs(err, chat.ErrUserNotFound)
	})
}
