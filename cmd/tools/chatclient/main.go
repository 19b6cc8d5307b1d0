package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/logging"
	"github.com/zhouzirui/z-chat/backend/internal/protocol"
	"github.com/zhouzirui/z-chat/backend/pkg/client"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	defaultServer := os.Getenv("CHAT_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	server := flag.String("server", defaultServer, "聊天服务地址")
	username := flag.String("user", "", "用户名")
	password := flag.String("password", "", "密码，留空则以访客身份在连接内登录")
	register := flag.Bool("register", false, "先注册新用户")
	presence := flag.Duration("presence", client.DefaultPresenceInterval, "在线用户轮询间隔，0 表示关闭")
	logLevel := flag.String("log-level", "warn", "日志级别")
	timeout := flag.Duration("timeout", 10*time.Second, "HTTP 请求超时时间")

	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		flag.Usage()
		log.Fatal("请通过 -user 指定用户名")
	}

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPIClient(*server)
	creds := client.Credentials{Username: *username}
	if *password != "" {
		reqCtx, cancel := context.WithTimeout(ctx, *timeout)
		if *register {
			creds, err = api.Register(reqCtx, *username, *password)
		} else {
			creds, err = api.Login(reqCtx, *username, *password)
		}
		cancel()
		if err != nil {
			log.Fatalf("登录失败: %v", err)
		}
	}

	c := client.New(client.Config{
		URL:       wsURL(*server),
		AutoLogin: creds.Token == "",
	},
		client.WithLogger(logger),
		client.WithStateHook(func(s client.State) {
			fmt.Printf("* %s\n", s)
		}),
		client.WithFrameHook(printFrame),
	)

	if err := c.Connect(ctx, creds); err != nil {
		logger.Warn("initial connect failed, retrying", zap.Error(err))
	}
	defer c.Logout()

	if *presence > 0 {
		go api.PollPresence(ctx, *presence, func(p client.Presence) {
			logger.Debug("presence", zap.Int("count", p.Count), zap.Strings("users", p.Users))
		}, func(err error) {
			logger.Debug("presence poll failed", zap.Error(err))
		})
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, c, api, line, *timeout); quit {
				return
			}
		}
	}
}

// runCommand 处理一行输入，返回 true 表示退出。
func runCommand(ctx context.Context, c *client.Client, api *client.APIClient, line string, timeout time.Duration) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch fields := strings.Fields(line); fields[0] {
	case "/quit":
		return true
	case "/to":
		if len(fields) < 3 {
			fmt.Println("用法: /to <用户> <消息>")
			return false
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/to"), " "+fields[1]))
		err = c.Send(text, fields[1])
	case "/open":
		peer := client.GroupConversation
		if len(fields) > 1 {
			peer = fields[1]
		}
		err = c.OpenConversation(peer)
		for _, msg := range c.Inbox().Messages(peer) {
			fmt.Printf("  [%s] %s: %s\n", msg.Timestamp.Local().Format("15:04:05"), msg.Sender, msg.Body)
		}
	case "/unread":
		for _, peer := range c.Inbox().Conversations() {
			if n := c.Inbox().Unread(peer); n > 0 {
				fmt.Printf("  %s: %d\n", peer, n)
			}
		}
	case "/online":
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		var p client.Presence
		p, err = api.Online(reqCtx)
		cancel()
		if err == nil {
			fmt.Printf("  在线 %d: %s\n", p.Count, strings.Join(p.Users, ", "))
		}
	default:
		err = c.Send(line, "")
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func printFrame(frame protocol.Outbound) {
	switch f := frame.(type) {
	case protocol.SessionFrame:
		fmt.Printf("* 已登录为 %s\n", f.Username)
	case protocol.HistoryFrame:
		fmt.Printf("* 收到 %d 条历史消息\n", len(f.Messages))
	case protocol.PrivateHistoryFrame:
		fmt.Printf("* 与 %s 的私聊记录 %d 条\n", f.WithUser, len(f.Messages))
	case protocol.MessageFrame:
		ts := time.UnixMilli(f.Timestamp).Format("15:04:05")
		if f.IsPrivate && f.Recipient != nil {
			fmt.Printf("[%s] %s -> %s: %s\n", ts, f.Username, *f.Recipient, f.Message)
			return
		}
		fmt.Printf("[%s] %s: %s\n", ts, f.Username, f.Message)
	case protocol.LoginRequiredFrame:
		fmt.Println("* 服务器要求登录")
	}
}

func wsURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	default:
		return server + "/ws"
	}
}
