package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rosegarden/internal/api"
	"rosegarden/internal/auth"
	"rosegarden/internal/chat"
	"rosegarden/internal/config"
	"rosegarden/internal/models"
	"rosegarden/internal/redis"
	"rosegarden/internal/ws"
)

func main() {
	roomID := flag.Int64("room", 0, "chat room id")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("[CONFIG] Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))

	if *roomID <= 0 {
		slog.Error("[CONFIG] -room is required")
		os.Exit(2)
	}

	if err := run(cfg, *roomID); err != nil {
		slog.Error("[CHAT] Exiting", "room", *roomID, "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, roomID int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc := cfg.Chat.Location()
	models.Location = loc

	client, err := api.New(cfg.Chat.APIBaseURL, cfg.Chat.AccessToken, cfg.Chat.RefreshToken)
	if err != nil {
		return fmt.Errorf("create api client: %w", err)
	}

	// Initial JWKS
	var verifier *auth.Verifier
	if cfg.Chat.JWKSURL != "" {
		verifier = auth.NewVerifier(cfg.Chat.JWKSURL, "", nil)
		if err := verifier.Refresh(ctx); err != nil {
			return fmt.Errorf("initialize JWKS: %w", err)
		}
		go verifier.RefreshEvery(ctx, time.Hour)
	}
	tokens := auth.NewTokenSource(client, verifier)

	hub := ws.NewHub()
	go hub.Run(ctx)

	var signaler chat.Signaler = hub
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()

		go redis.SubscribeToEvents(ctx, redisClient, hub, nil)
		signaler = redisClient
	}

	reads := hub.Listen(roomID)
	defer reads.Close()
	go func() {
		for ev := range reads.Events() {
			if ev.Type == models.EventChatRead {
				slog.Debug("[CHAT] Room marked read", "room", ev.RoomId)
			}
		}
	}()

	redraw := make(chan struct{}, 1)
	session := chat.New(roomID, chat.Deps{
		API:      client,
		Tokens:   tokens,
		Dialer:   chat.StompDialer{},
		Signaler: signaler,
	}, chat.Options{
		WSURL:           cfg.Chat.WSURL,
		PageSize:        cfg.Chat.PageSize,
		ReconcileWindow: cfg.Chat.ReconcileWindow,
		Alert: func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		},
		Changed: func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		},
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			slog.Warn("[CHAT] Close failed", "room", roomID, "error", err)
		}
	}()

	// Without history there is nothing to show. A failed connect only costs
	// live updates.
	if err := session.LoadHistory(ctx); err != nil {
		if session.State() == chat.StateInit {
			return err
		}
		fmt.Fprintln(os.Stderr, "! live chat unavailable, type /reconnect to retry")
	}

	render(session, loc)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-redraw:
			render(session, loc)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/reconnect":
				if err := session.Connect(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "! reconnect failed: %v\n", err)
				}
			case "/older":
				n, err := session.LoadOlder(ctx)
				if err != nil {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				} else if n == 0 && !session.HasMore() {
					fmt.Println("-- beginning of conversation --")
				}
			default:
				if _, err := session.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrBlankMessage) {
					fmt.Fprintf(os.Stderr, "! %v\n", err)
				}
			}
		}
	}
}

func render(session *chat.Session, loc *time.Location) {
	var selfID int64
	if self := session.Self(); self != nil {
		selfID = self.UserID
	}

	fmt.Print("\033[H\033[2J")
	if room := session.Room(); room != nil {
		fmt.Printf("== %s ==\n", room.DisplayTitle(selfID))
	}
	for _, item := range session.Timeline(loc) {
		if item.DateSeparator != "" {
			fmt.Printf("\n   --- %s ---\n", item.DateSeparator)
		}
		m := item.Message
		who := m.SenderName
		if item.Mine {
			who = "me"
		}
		status := ""
		if item.Pending {
			status = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.In(loc).Format("15:04"), who, m.Content, status)
	}
}
