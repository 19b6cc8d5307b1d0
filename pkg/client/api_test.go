package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/backend/internal/handler"
	authhandler "github.com/zhouzirui/z-chat/backend/internal/handler/auth"
	chathandler "github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/z-chat/backend/internal/service/account"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/history"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
	"github.com/zhouzirui/z-chat/backend/internal/store/memory"
)

func newChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	reg := registry.New(logger, registry.WithLoginGrace(10*time.Millisecond))
	hist := history.NewService(store, reg, history.Config{}, logger, nil)
	auth := session.NewAuthenticator(store, reg, hist, time.Hour, logger)
	router := chatservice.NewRouter(store, reg, logger)
	accounts := account.NewService(store, auth, bcrypt.MinCost, logger, nil)

	mux := handler.NewRouter(handler.Deps{
		Auth:   authhandler.New(accounts, "sessionId", logger),
		Chat:   chathandler.New(hist, reg, accounts, "sessionId", logger),
		Socket: ws.New(auth, router, hist, reg, ws.Config{CookieName: "sessionId", MaxMalformed: 3}, logger, nil),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestAPIClientCredentialFlow(t *testing.T) {
	req := require.New(t)
	srv := newChatServer(t)
	api := NewAPIClient(srv.URL)
	ctx := context.Background()

	creds, err := api.Register(ctx, "alice", "secret")
	req.NoError(err)
	req.Equal("alice", creds.Username)
	req.NotEmpty(creds.Token)

	_, err = api.Register(ctx, "alice", "secret")
	var apiErr *APIError
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusBadRequest, apiErr.Status)

	_, err = api.Login(ctx, "alice", "wrong")
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusUnauthorized, apiErr.Status)

	again, err := api.Login(ctx, "alice", "secret")
	req.NoError(err)
	req.NotEqual(creds.Token, again.Token)

	name, err := api.Session(ctx, again.Token)
	req.NoError(err)
	req.Equal("alice", name)

	msgs, err := api.Messages(ctx, again.Token, 10, 0)
	req.NoError(err)
	req.Empty(msgs)

	req.NoError(api.Logout(ctx, again.Token))
	_, err = api.Session(ctx, again.Token)
	req.ErrorIs(err, ErrUnauthenticated)

	_, err = api.Messages(ctx, again.Token, 10, 0)
	req.True(errors.As(err, &apiErr))
	req.Equal(http.StatusUnauthorized, apiErr.Status)
}

func TestClientOverWebSocket(t *testing.T) {
	req := require.New(t)
	srv := newChatServer(t)
	api := NewAPIClient(srv.URL)
	ctx := context.Background()

	creds, err := api.Register(ctx, "alice", "secret")
	req.NoError(err)

	c := New(Config{URL: wsURL(srv)}, WithLogger(zaptest.NewLogger(t)))
	req.NoError(c.Connect(ctx, creds))
	t.Cleanup(c.Logout)
	req.Eventually(func() bool { return c.State() == StateOpenAuthenticated }, 2*time.Second, 10*time.Millisecond)

	req.Eventually(func() bool {
		p, err := api.Online(ctx)
		return err == nil && p.Count == 1 && p.Users[0] == "alice"
	}, 2*time.Second, 10*time.Millisecond)

	req.NoError(c.Send("hello", ""))
	req.Eventually(func() bool {
		msgs := c.Inbox().Messages(GroupConversation)
		return len(msgs) == 1 && msgs[0].Body == "hello"
	}, 2*time.Second, 10*time.Millisecond)

	page, err := api.Messages(ctx, creds.Token, 10, 0)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("alice", page[0].Sender)
}

func TestGuestAutoLogin(t *testing.T) {
	req := require.New(t)
	srv := newChatServer(t)

	c := New(Config{URL: wsURL(srv), AutoLogin: true}, WithLogger(zaptest.NewLogger(t)))
	req.NoError(c.Connect(context.Background(), Credentials{Username: "guest"}))
	t.Cleanup(c.Logout)

	req.Eventually(func() bool { return c.State() == StateOpenAuthenticated }, 2*time.Second, 10*time.Millisecond)
	req.Equal("guest", c.Identity())
	req.NotEmpty(c.Token())
}

func TestPollPresence(t *testing.T) {
	srv := newChatServer(t)
	api := NewAPIClient(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu    sync.Mutex
		polls int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		api.PollPresence(ctx, 10*time.Millisecond, func(p Presence) {
			mu.Lock()
			polls++
			mu.Unlock()
		}, nil)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return polls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
