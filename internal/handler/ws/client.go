package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
)

// client owns one socket. Only writePump writes to conn; send is never closed.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newClient(id string, conn *websocket.Conn, buffer int) *client {
	return &client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Enqueue implements registry.Outbox without blocking.
func (c *client) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return registry.ErrOutboxClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return registry.ErrOutboxFull
	}
}

// Close stops the write pump, which then closes the socket.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) closeWith(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.Close()
}

func (c *client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			c.mu.Lock()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.mu.Unlock()
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes frames queued before Close.
func (c *client) drain() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
