package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/account"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	// DefaultCookieName 会话 Cookie 名称，同时作为查询参数名。
	DefaultCookieName = "sessionId"
	cookieMaxAge      = 365 * 24 * time.Hour
	maxBodyBytes      = 4 << 10
)

// Accounts 账户服务接口
type Accounts interface {
	Register(ctx context.Context, username, secret string) (chat.Session, error)
	Login(ctx context.Context, username, secret string) (chat.Session, error)
	Logout(ctx context.Context, token string) error
	CheckSession(ctx context.Context, token string) (string, error)
}

// Handler 账户与会话的HTTP处理器
type Handler struct {
	accounts   Accounts
	cookieName string
	logger     *zap.Logger
}

// New 创建账户处理器
func New(accounts Accounts, cookieName string, logger *zap.Logger) *Handler {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{accounts: accounts, cookieName: cookieName, logger: logger.Named("auth")}
}

// RegisterRoutes 注册账户相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/session", h.handleSession)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Success   bool   `json:"success"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// handleRegister 注册新用户并下发会话
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.accounts.Register(r.Context(), payload.Username, payload.Password)
	switch {
	case errors.Is(err, account.ErrUsernameRequired),
		errors.Is(err, account.ErrWeakSecret),
		errors.Is(err, account.ErrSecretTooLong),
		errors.Is(err, account.ErrUsernameTaken):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.Error("register failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.setCookie(w, sess.Token)
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Success: true, Username: sess.Username, SessionID: sess.Token})
}

// handleLogin 校验凭证并下发会话
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := utils.DecodeJSON(w, r, maxBodyBytes, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Username) == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	sess, err := h.accounts.Login(r.Context(), payload.Username, payload.Password)
	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		h.logger.Error("login failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.setCookie(w, sess.Token)
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Success: true, Username: sess.Username, SessionID: sess.Token})
}

// handleLogout 注销会话并清除 Cookie
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := TokenFromRequest(r, h.cookieName); token != "" {
		if err := h.accounts.Logout(r.Context(), token); err != nil {
			h.logger.Error("logout failed", zap.Error(err))
			utils.RespondError(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSession 查询当前会话
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	username, err := h.accounts.CheckSession(r.Context(), TokenFromRequest(r, h.cookieName))
	if err != nil {
		if !errors.Is(err, account.ErrUnauthenticated) {
			h.logger.Warn("session check failed", zap.Error(err))
		}
		utils.RespondJSON(w, http.StatusUnauthorized, map[string]bool{"authenticated": false})
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": username})
}

func (h *Handler) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(cookieMaxAge / time.Second),
		Expires:  time.Now().Add(cookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenFromRequest 从 Cookie 读取会话令牌，缺失时回退到同名查询参数。
func TokenFromRequest(r *http.Request, name string) string {
	if name == "" {
		name = DefaultCookieName
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}
	return strings.TrimSpace(r.URL.Query().Get(name))
}
