package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Session  SessionConfig
	Chat     ChatConfig
	WS       WSConfig
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	Addr              string        `env:"CHAT_HTTP_ADDR"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// StoreConfig 描述持久化配置。
type StoreConfig struct {
	Driver string `env:"CHAT_STORE_DRIVER" envDefault:"sqlite"`
	Path   string `env:"CHAT_DB_PATH" envDefault:"chat.db"`
}

// SessionConfig 描述会话令牌的生命周期。
type SessionConfig struct {
	TTL        time.Duration `env:"SESSION_TTL" envDefault:"8760h"`
	CookieName string        `env:"SESSION_COOKIE" envDefault:"sessionId"`
}

// ChatConfig 描述路由与历史记录的限制。
type ChatConfig struct {
	LoginGrace          time.Duration `env:"LOGIN_GRACE" envDefault:"100ms"`
	MaxMessageRunes     int           `env:"MAX_MESSAGE_RUNES" envDefault:"2000"`
	GroupHistoryLimit   int           `env:"GROUP_HISTORY_LIMIT" envDefault:"50"`
	PrivateHistoryLimit int           `env:"PRIVATE_HISTORY_LIMIT" envDefault:"100"`
	PresenceInterval    time.Duration `env:"PRESENCE_INTERVAL" envDefault:"5s"`
}

// WSConfig 描述 WebSocket 连接参数。
type WSConfig struct {
	SendBuffer   int   `env:"WS_SEND_BUFFER" envDefault:"64"`
	MaxMalformed int   `env:"WS_MAX_MALFORMED" envDefault:"3"`
	ReadLimit    int64 `env:"WS_READ_LIMIT" envDefault:"16384"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Server.Addr == "" {
		addr, err := normalizeAddr(cfg.Server.Port)
		if err != nil {
			return nil, err
		}
		cfg.Server.Addr = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置取值是否合法。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("CHAT_DB_PATH is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid CHAT_STORE_DRIVER value: %q", c.Store.Driver)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("SESSION_COOKIE is required")
	}
	if c.Chat.MaxMessageRunes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_RUNES must be positive")
	}
	if c.Chat.GroupHistoryLimit <= 0 || c.Chat.PrivateHistoryLimit <= 0 {
		return fmt.Errorf("history limits must be positive")
	}
	if c.Chat.PresenceInterval <= 0 {
		return fmt.Errorf("PRESENCE_INTERVAL must be positive")
	}
	if c.Chat.LoginGrace < 0 {
		return fmt.Errorf("LOGIN_GRACE must not be negative")
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if c.WS.MaxMalformed < 0 {
		return fmt.Errorf("WS_MAX_MALFORMED must not be negative")
	}
	if c.WS.ReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be positive")
	}
	return nil
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}
