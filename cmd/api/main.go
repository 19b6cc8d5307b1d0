package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	authhandler "github.com/zhouzirui/z-chat/backend/internal/handler/auth"
	chathandler "github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/handler/ws"
	"github.com/zhouzirui/z-chat/backend/internal/logging"
	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/account"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/history"
	"github.com/zhouzirui/z-chat/backend/internal/service/registry"
	"github.com/zhouzirui/z-chat/backend/internal/service/session"
	"github.com/zhouzirui/z-chat/backend/internal/store/memory"
	"github.com/zhouzirui/z-chat/backend/internal/store/sqlite"
)

func main() {
	addrFlag := flag.String("addr", "", "listen address, overrides PORT and CHAT_HTTP_ADDR")
	dbFlag := flag.String("db", "", "sqlite database path, overrides CHAT_DB_PATH")
	levelFlag := flag.String("log-level", "", "log level, overrides LOG_LEVEL")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *addrFlag != "" {
		cfg.Server.Addr = *addrFlag
	}
	if *dbFlag != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = *dbFlag
	}
	if *levelFlag != "" {
		cfg.LogLevel = *levelFlag
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	reg := registry.New(logger,
		registry.WithLoginGrace(cfg.Chat.LoginGrace),
		registry.WithMetrics(m),
	)
	hist := history.NewService(store, reg, history.Config{
		GroupLimit:   cfg.Chat.GroupHistoryLimit,
		PrivateLimit: cfg.Chat.PrivateHistoryLimit,
	}, logger, m)
	auth := session.NewAuthenticator(store, reg, hist, cfg.Session.TTL, logger, session.WithMetrics(m))
	router := chatservice.NewRouter(store, reg, logger,
		chatservice.WithMaxRunes(cfg.Chat.MaxMessageRunes),
		chatservice.WithMetrics(m),
	)
	accounts := account.NewService(store, auth, 0, logger, m)

	socket := ws.New(auth, router, hist, reg, ws.Config{
		CookieName:   cfg.Session.CookieName,
		SendBuffer:   cfg.WS.SendBuffer,
		MaxMalformed: cfg.WS.MaxMalformed,
		ReadLimit:    cfg.WS.ReadLimit,
	}, logger, m)

	mux := handler.NewRouter(handler.Deps{
		Auth:     authhandler.New(accounts, cfg.Session.CookieName, logger),
		Chat:     chathandler.New(hist, reg, accounts, cfg.Session.CookieName, logger, chathandler.WithPresenceInterval(cfg.Chat.PresenceInterval)),
		Socket:   socket,
		Gatherer: promRegistry,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("chat server listening", zap.String("addr", cfg.Server.Addr))
	return runServer(ctx, srv, cfg.Server.ShutdownTimeout)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (chat.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
