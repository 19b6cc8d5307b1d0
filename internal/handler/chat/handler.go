package chat

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/handler/auth"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// History 分页读取群聊记录
type History interface {
	GroupPage(ctx context.Context, limit, offset int) ([]chat.Message, error)
}

// Presence 在线用户快照
type Presence interface {
	OnlineIdentities() []string
}

// SessionChecker 校验会话令牌
type SessionChecker interface {
	CheckSession(ctx context.Context, token string) (string, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	history    History
	presence   Presence
	sessions   SessionChecker
	cookieName string
	interval   time.Duration
	logger     *zap.Logger
}

// DefaultPresenceInterval 在线用户推送的检查间隔
const DefaultPresenceInterval = 5 * time.Second

// Option 配置聊天处理器
type Option func(*Handler)

// WithPresenceInterval 设置在线用户流的检查间隔
func WithPresenceInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.interval = d
		}
	}
}

// New 创建聊天处理器
func New(history History, presence Presence, sessions SessionChecker, cookieName string, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		history:    history,
		presence:   presence,
		sessions:   sessions,
		cookieName: cookieName,
		interval:   DefaultPresenceInterval,
		logger:     logger.Named("chat_http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/messages", h.handleMessages)
	r.Get("/users/online", h.handleOnline)
	r.Get("/users/online/stream", h.handleOnlineStream)
}

// handleMessages 返回群聊消息分页，按时间升序
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.CheckSession(r.Context(), auth.TokenFromRequest(r, h.cookieName)); err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	msgs, err := h.history.GroupPage(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("load messages failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, protocol.FromMessages(msgs))
}

type onlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// handleOnline 返回在线用户列表
func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	users := h.presence.OnlineIdentities()
	if users == nil {
		users = []string{}
	}
	utils.RespondJSON(w, http.StatusOK, onlineResponse{Count: len(users), Users: users})
}

// handleOnlineStream 以SSE推送在线用户快照，仅在集合变化时发送
func (h *Handler) handleOnlineStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []string
	for {
		users := h.presence.OnlineIdentities()
		if users == nil {
			users = []string{}
		}
		slices.Sort(users)
		if last == nil || !slices.Equal(last, users) {
			if err := utils.SendSSEEvent(w, flusher, "presence", onlineResponse{Count: len(users), Users: users}); err != nil {
				h.logger.Debug("presence stream closed", zap.Error(err))
				return
			}
			last = users
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// queryInt 解析整数查询参数，非法值回退为默认值
func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
