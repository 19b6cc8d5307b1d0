package ws

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/handler/auth"
	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Authenticator 连接鉴权接口
type Authenticator interface {
	Attach(ctx context.Context, connID string, outbox registry.Outbox, token string) (session.Resolution, error)
	CompleteLogin(ctx context.Context, connID, username string) (chat.Session, error)
}

// MessageRouter 消息路由接口
type MessageRouter interface {
	Route(ctx context.Context, connID, text, recipient string) (chat.Message, error)
}

// PrivateReplayer 私聊记录回放接口
type PrivateReplayer interface {
	ReplayPrivate(ctx context.Context, connID, other string) error
}

// Remover 连接注销接口
type Remover interface {
	Remove(connID string) bool
}

// Config WebSocket 连接参数
type Config struct {
	CookieName   string
	SendBuffer   int
	MaxMalformed int
	ReadLimit    int64
}

// Handler WebSocket聊天处理器
type Handler struct {
	auth     Authenticator
	router   MessageRouter
	history  PrivateReplayer
	registry Remover
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New 创建WebSocket处理器
func New(auth Authenticator, router MessageRouter, history PrivateReplayer, reg Remover, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		auth:     auth,
		router:   router,
		history:  history,
		registry: reg,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger.Named("websocket"),
		metrics: m,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r, h.cfg.CookieName)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(uuid.NewString(), conn, h.cfg.SendBuffer)
	logger := h.logger.With(zap.String("conn", c.id))
	logger.Debug("connection opened", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writePump(logger)

	res, err := h.auth.Attach(ctx, c.id, c, token)
	if err != nil {
		logger.Error("attach failed", zap.Error(err))
		c.Close()
		return
	}
	defer h.registry.Remove(c.id)

	if !res.Pending {
		logger = logger.With(zap.String("user", res.Identity))
	}
	h.readPump(ctx, c, logger)
	logger.Debug("connection closed")
}

func (h *Handler) readPump(ctx context.Context, c *client, logger *zap.Logger) {
	c.conn.SetReadLimit(h.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	malformed := 0
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Info("read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var dispatchErr error
		if kind != websocket.TextMessage {
			dispatchErr = protocol.ErrMalformedFrame
		} else {
			dispatchErr = h.dispatch(ctx, c.id, data, logger)
		}

		if !errors.Is(dispatchErr, protocol.ErrMalformedFrame) {
			malformed = 0
			continue
		}
		malformed++
		h.metrics.MalformedFrame()
		logger.Warn("malformed frame", zap.Int("consecutive", malformed), zap.Error(dispatchErr))
		if h.cfg.MaxMalformed > 0 && malformed >= h.cfg.MaxMalformed {
			logger.Warn("closing connection after repeated malformed frames")
			c.closeWith(websocket.ClosePolicyViolation, "too many malformed frames")
			return
		}
	}
}

// dispatch 按帧类型分发入站消息；只有 ErrMalformedFrame 会返回给调用方。
func (h *Handler) dispatch(ctx context.Context, connID string, data []byte, logger *zap.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("panic while handling frame", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = nil
		}
	}()

	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		return err
	}

	switch f := frame.(type) {
	case protocol.Login:
		if _, err := h.auth.CompleteLogin(ctx, connID, f.Username); err != nil {
			logger.Debug("login ignored", zap.Error(err))
		}
	case protocol.Send:
		if _, err := h.router.Route(ctx, connID, f.Text, f.Recipient); err != nil {
			logger.Debug("message dropped", zap.Error(err))
		}
	case protocol.PrivateHistoryRequest:
		if err := h.history.ReplayPrivate(ctx, connID, f.OtherUser); err != nil {
			logger.Debug("private history ignored", zap.Error(err))
		}
	}
	return nil
}
