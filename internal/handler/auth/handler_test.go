package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/backend/internal/service/account"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
	"github.com/zhouzirui/z-chat/backend/internal/store/memory"
)

func setupRouter(t *testing.T) *chi.Mux {
	logger := zaptest.NewLogger(t)
	store := memory.New()
	auth := session.NewAuthenticator(store, registry.New(logger), nil, time.Hour, logger)
	accounts := account.NewService(store, auth, bcrypt.MinCost, logger, nil)

	r := chi.NewRouter()
	New(accounts, "", logger).RegisterRoutes(r)
	return r
}

func postJSON(r http.Handler, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func sessionCookie(t *testing.T, resp *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range resp.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatal("expected sessionId cookie")
	return nil
}

func TestRegisterSetsCookie(t *testing.T) {
	r := setupRouter(t)
	resp := postJSON(r, "/register", map[string]string{"username": "alice", "password": "secret"})

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body sessionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Success || body.Username != "alice" || body.SessionID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	cookie := sessionCookie(t, resp)
	if cookie.Value != body.SessionID {
		t.Fatalf("cookie %q does not match session %q", cookie.Value, body.SessionID)
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", cookie)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := setupRouter(t)

	cases := []map[string]string{
		{"username": "  ", "password": "secret"},
		{"username": "bob", "password": "ab"},
	}
	for _, body := range cases {
		if resp := postJSON(r, "/register", body); resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", body, resp.Code)
		}
	}

	postJSON(r, "/register", map[string]string{"username": "carol", "password": "secret"})
	if resp := postJSON(r, "/register", map[string]string{"username": "carol", "password": "other"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewBufferString("{"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", resp.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	r := setupRouter(t)
	postJSON(r, "/register", map[string]string{"username": "alice", "password": "secret"})

	if resp := postJSON(r, "/login", map[string]string{"username": "alice"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", resp.Code)
	}
	if resp := postJSON(r, "/login", map[string]string{"username": "alice", "password": "nope"}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", resp.Code)
	}

	resp := postJSON(r, "/login", map[string]string{"username": "alice", "password": "secret"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	sessionCookie(t, resp)
}

func TestSessionAndLogout(t *testing.T) {
	r := setupRouter(t)
	cookie := sessionCookie(t, postJSON(r, "/register", map[string]string{"username": "alice", "password": "secret"}))

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(cookie)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &body)
	if body["authenticated"] != true || body["username"] != "alice" {
		t.Fatalf("unexpected session body: %v", body)
	}

	if out := postJSON(r, "/logout", nil, cookie); out.Code != http.StatusOK {
		t.Fatalf("expected 200 on logout, got %d", out.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.AddCookie(cookie)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.Code)
	}
}

func TestSessionWithoutCookie(t *testing.T) {
	r := setupRouter(t)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/session", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestTokenFromRequestFallsBackToQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?sessionId=abc", nil)
	if got := TokenFromRequest(req, ""); got != "abc" {
		t.Fatalf("expected query token, got %q", got)
	}
	req.AddCookie(&http.Cookie{Name: "sessionId", Value: "cookie"})
	if got := TokenFromRequest(req, "sessionId"); got != "cookie" {
		t.Fatalf("expected cookie to win, got %q", got)
	}
}
