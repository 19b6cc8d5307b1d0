package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
)

const DefaultPresenceInterval = 5 * time.Second

// ErrUnauthenticated is returned when the server rejects the session token.
var ErrUnauthenticated = errors.New("client: not authenticated")

// APIError is a non-2xx response from the HTTP surface.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Presence is the online-users snapshot.
type Presence struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// APIClient talks to the credential and presence endpoints under /api.
type APIClient struct {
	BaseURL    string
	CookieName string
	HTTP       *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		CookieName: "sessionId",
		HTTP:       &http.Client{Timeout: 10 * time.Second},
	}
}

type sessionReply struct {
	Success   bool   `json:"success"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// Register creates an identity and returns credentials for the socket.
func (a *APIClient) Register(ctx context.Context, username, password string) (Credentials, error) {
	return a.credentials(ctx, "/api/register", username, password)
}

// Login exchanges a username and password for a session.
func (a *APIClient) Login(ctx context.Context, username, password string) (Credentials, error) {
	return a.credentials(ctx, "/api/login", username, password)
}

func (a *APIClient) credentials(ctx context.Context, path, username, password string) (Credentials, error) {
	body := map[string]string{"username": username, "password": password}
	var reply sessionReply
	if err := a.do(ctx, http.MethodPost, path, "", body, &reply); err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: reply.Username, Token: reply.SessionID}, nil
}

func (a *APIClient) Logout(ctx context.Context, token string) error {
	return a.do(ctx, http.MethodPost, "/api/logout", token, nil, nil)
}

// Session resolves a token to its identity.
func (a *APIClient) Session(ctx context.Context, token string) (string, error) {
	var reply struct {
		Authenticated bool   `json:"authenticated"`
		Username      string `json:"username"`
	}
	err := a.do(ctx, http.MethodGet, "/api/session", token, nil, &reply)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	if !reply.Authenticated {
		return "", ErrUnauthenticated
	}
	return reply.Username, nil
}

func (a *APIClient) Online(ctx context.Context) (Presence, error) {
	var p Presence
	if err := a.do(ctx, http.MethodGet, "/api/users/online", "", nil, &p); err != nil {
		return Presence{}, err
	}
	return p, nil
}

// Messages fetches a page of group history in ascending order.
func (a *APIClient) Messages(ctx context.Context, token string, limit, offset int) ([]chat.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var wire []protocol.WireMessage
	if err := a.do(ctx, http.MethodGet, path, token, nil, &wire); err != nil {
		return nil, err
	}
	return toMessages(wire), nil
}

// PollPresence calls fn with a fresh snapshot every interval until ctx ends.
// Failed polls are passed to onErr when it is non-nil.
func (a *APIClient) PollPresence(ctx context.Context, interval time.Duration, fn func(Presence), onErr func(error)) {
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p, err := a.Online(ctx)
		switch {
		case err == nil:
			fn(p)
		case ctx.Err() != nil:
			return
		case onErr != nil:
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *APIClient) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		name := a.CookieName
		if name == "" {
			name = "sessionId"
		}
		req.AddCookie(&http.Cookie{Name: name, Value: token})
	}

	httpClient := a.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var reply struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&reply)
		if reply.Error == "" {
			reply.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: reply.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
