package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/karthikraju391/go-nats-chat-sync/config"
	"github.com/karthikraju391/go-nats-chat-sync/connection"
	"github.com/karthikraju391/go-nats-chat-sync/conversation"
	"github.com/karthikraju391/go-nats-chat-sync/loader"
	"github.com/karthikraju391/go-nats-chat-sync/logger"
	"github.com/karthikraju391/go-nats-chat-sync/nats_service"
	"github.com/karthikraju391/go-nats-chat-sync/session"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	conversationID := flag.String("conversation", "", "direct message conversation to open")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	if *conversationID == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -conversation <id> [-config file]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, *conversationID); err != nil {
		log.Fatal("chat client stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger, conversationID string) error {
	store := session.NewStore()
	id, err := identityFromEnv()
	if err != nil {
		return err
	}
	store.Set(id)

	var dialer connection.Dialer
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		dialer = nats_service.NewDialer(cfg.Transport.NATS, log)
	default:
		dialer = connection.NewWebSocketDialer(cfg, log)
	}
	mgr := connection.NewManager(dialer, log, connection.WithReconnect(cfg.Reconnect))

	screen := conversation.NewScreen(conversationID, store, loader.New(cfg.API, log), mgr, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := screen.Mount(ctx); err != nil {
		return err
	}
	log.Info("conversation opened", zap.String("conversation_id", conversationID), zap.String("transport", cfg.Transport.Kind))

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		render(screen.Updates(), id.UserID)
	}()

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			err := screen.Unmount()
			<-rendered
			return err

		case line, ok := <-lines:
			if !ok {
				err := screen.Unmount()
				<-rendered
				return err
			}
			handleLine(ctx, screen, log, line)
		}
	}
}

func handleLine(ctx context.Context, screen *conversation.Screen, log *zap.Logger, line string) {
	switch strings.TrimSpace(line) {
	case "":
		return
	case "/reload":
		if err := screen.Reload(); err != nil {
			log.Warn("reload", zap.Error(err))
		}
		return
	}

	env, err := screen.Send(ctx, line)
	switch {
	case err == nil:
	case errors.Is(err, connection.ErrConnectionNotReady):
		fmt.Printf("  (queued %s until the connection is back)\n", short(env.ID))
	default:
		fmt.Printf("  (not sent: %v)\n", err)
	}
}

// identityFromEnv reads CHAT_ACCESS_TOKEN and, when the token carries no
// user id, CHAT_USER_ID.
func identityFromEnv() (session.Identity, error) {
	token := os.Getenv("CHAT_ACCESS_TOKEN")
	if token == "" {
		return session.Identity{}, fmt.Errorf("CHAT_ACCESS_TOKEN is not set: %w", session.ErrIdentityNotReady)
	}
	if userID := os.Getenv("CHAT_USER_ID"); userID != "" {
		return session.Identity{UserID: userID, AccessToken: token}, nil
	}
	return session.FromAccessToken(token)
}

func readLines(out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// render prints each transcript entry once, plus phase and connection
// changes, until the screen closes its update stream.
func render(updates <-chan conversation.View, self string) {
	printed := make(map[string]bool)
	var (
		phase conversation.Phase = -1
		conn  connection.State   = -1
	)
	for v := range updates {
		if v.Phase != phase {
			phase = v.Phase
			switch phase {
			case conversation.Loading:
				fmt.Println("-- loading conversation")
			case conversation.Failed:
				fmt.Printf("-- failed to load conversation: %v (type /reload to retry)\n", v.Err)
			case conversation.Closed:
				fmt.Println("-- closed")
			}
		}
		if v.Connection != conn {
			conn = v.Connection
			if conn == connection.Dropped && v.Err != nil {
				fmt.Printf("-- connection %s: %v\n", conn, v.Err)
			} else {
				fmt.Printf("-- connection %s\n", conn)
			}
		}
		for _, e := range v.Entries {
			if printed[e.ID] {
				continue
			}
			printed[e.ID] = true
			name := e.Sender.DisplayName()
			if e.SenderID == self {
				name = "you"
			}
			fmt.Printf("[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04"), name, e.Body)
		}
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
