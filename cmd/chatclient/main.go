// Package main is a terminal client for the food-sharing chat.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/foodshare-chat/internal/client"
	"github.com/omochice/foodshare-chat/internal/config"
	"github.com/omochice/foodshare-chat/internal/realtime"
	"github.com/omochice/foodshare-chat/internal/restapi"
	"github.com/omochice/foodshare-chat/internal/transport/gobwas"
	"github.com/omochice/foodshare-chat/internal/transport/ws"
	"github.com/omochice/foodshare-chat/internal/unread"
	"github.com/omochice/foodshare-chat/pkg/logger"
	"github.com/omochice/foodshare-chat/pkg/protocol"
)

const help = `Commands:
  /list                  list conversations
  /open <id>             open a conversation
  /close                 close the open conversation
  /older                 load older messages
  /image <url> [caption] send an image
  /offer <amount> [note] send a price offer
  /counts                show unread badges
  /typing                signal that you are typing
  quit | exit            leave
Anything else is sent to the open conversation.`

func main() {
	cfg := config.Load()

	serverURL := flag.String("server", cfg.ServerURL, "REST base URL (e.g., http://localhost:8080)")
	wsURL := flag.String("ws", "", "WebSocket URL, derived from -server when empty")
	token := flag.String("token", cfg.AuthToken, "Auth token")
	transport := flag.String("transport", cfg.Transport, "WebSocket transport: ws or gobwas")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level")
	flag.Parse()

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if *token == "" {
		log.Fatal("token is required, use -token or AUTH_TOKEN")
	}
	if *wsURL == "" {
		*wsURL = cfg.WSURL
		if *serverURL != cfg.ServerURL {
			*wsURL = config.DeriveWSURL(*serverURL)
		}
	}

	var dialer realtime.Dialer
	switch *transport {
	case config.TransportWS:
		dialer = ws.NewDialer(*wsURL)
	case config.TransportGobwas:
		dialer = gobwas.NewDialer(*wsURL)
	default:
		log.Fatal("unknown transport", zap.String("transport", *transport))
	}

	tokens := client.StaticToken(*token)
	api, err := restapi.New(*serverURL, tokens, restapi.WithLogger(log))
	if err != nil {
		log.Fatal("failed to create REST client", zap.Error(err))
	}

	c, err := client.New(client.Options{
		Dialer: dialer,
		Tokens: tokens,
		API:    api,
		Backoff: realtime.BackoffConfig{
			Initial:    cfg.ReconnectInitial,
			Max:        cfg.ReconnectMax,
			Multiplier: 2,
			Jitter:     cfg.ReconnectJitter,
		},
		TypingDebounce:       cfg.TypingDebounce,
		TypingTimeout:        cfg.TypingTimeout,
		ReconcileInterval:    cfg.ReconcileInterval,
		SuppressActiveUnread: cfg.SuppressActiveUnread,
		OnStateChange: func(s realtime.State) {
			fmt.Printf("*** %s ***\n", s)
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal("failed to create client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = c.Start(startCtx)
	cancel()
	if err != nil {
		log.Fatal("failed to start client", zap.Error(err))
	}
	defer c.Stop()

	me := c.User()
	c.Subscribe("terminal", func(env protocol.Envelope) error {
		printEnvelope(c, me.ID, env)
		return nil
	})

	fmt.Printf("Signed in as %s\n", me.Name)
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warn("error reading input", zap.Error(err))
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Disconnected from server")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == "quit" || text == "exit" {
				fmt.Println("Disconnected from server")
				return
			}
			if err := handleLine(ctx, c, text); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, text string) error {
	active := c.Store().Active()
	if !strings.HasPrefix(text, "/") {
		if active == "" {
			return fmt.Errorf("no conversation open, use /open <id>")
		}
		return c.SendChat(ctx, active, text)
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/list":
		for _, conv := range c.Store().Conversations() {
			badge := unread.Badge(conv.UnreadCount, 99)
			fmt.Printf("%s  %-24s %-10s %3s  %s\n", conv.ID, conv.FoodPostTitle, conv.OtherParticipantName, badge, conv.LastMessageContent)
		}
	case "/open":
		if arg == "" {
			return fmt.Errorf("usage: /open <id>")
		}
		if active != "" && active != arg {
			c.CloseConversation(active)
		}
		if err := c.OpenConversation(ctx, arg); err != nil {
			return err
		}
		for _, m := range c.Store().Messages(arg) {
			printMessage(c.User().ID, m)
		}
	case "/close":
		if active != "" {
			c.CloseConversation(active)
		}
	case "/older":
		if active == "" {
			return fmt.Errorf("no conversation open")
		}
		n, err := c.LoadOlder(ctx, active)
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d older messages\n", n)
	case "/image":
		if active == "" {
			return fmt.Errorf("no conversation open")
		}
		url, caption, _ := strings.Cut(arg, " ")
		return c.SendImage(ctx, active, url, strings.TrimSpace(caption))
	case "/offer":
		if active == "" {
			return fmt.Errorf("no conversation open")
		}
		amount, note, _ := strings.Cut(arg, " ")
		value, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", amount)
		}
		return c.SendPriceOffer(ctx, active, value, strings.TrimSpace(note))
	case "/counts":
		u := c.Unread()
		fmt.Printf("messages: %s  profile: %s  my requests: %s  my posts: %s\n",
			orZero(u.Badge(unread.SurfaceMessages)),
			orZero(u.Badge(unread.SurfaceProfile)),
			orZero(u.Badge(unread.SurfaceMyRequests)),
			orZero(u.Badge(unread.SurfaceMyPosts)),
		)
	case "/typing":
		if active != "" {
			c.NotifyTyping(active)
		}
	case "/help":
		fmt.Println(help)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

func printEnvelope(c *client.Client, me string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		if env.Message == nil {
			return
		}
		if env.ConversationID == c.Store().Active() {
			printMessage(me, *env.Message)
			return
		}
		fmt.Printf("*** new message from %s in %s ***\n", env.Message.SenderName, env.ConversationID)
	case protocol.TypeTyping:
		if env.ConversationID == c.Store().Active() {
			fmt.Println("*** typing... ***")
		}
	case protocol.TypeRead:
		if env.ConversationID == c.Store().Active() {
			fmt.Println("*** read ***")
		}
	case protocol.TypeRequestCreated:
		fmt.Println("*** new request on your post ***")
	case protocol.TypeRequestUpdated:
		fmt.Println("*** one of your requests was updated ***")
	case protocol.TypeError:
		fmt.Printf("*** server error: %s ***\n", env.Error)
	}
}

func printMessage(me string, m protocol.Message) {
	sender := m.SenderName
	if m.SenderID == me {
		sender = "you"
	}
	switch m.Type {
	case protocol.MessageTypeImage:
		url := ""
		if m.Metadata != nil {
			url = m.Metadata.ImageURL
		}
		fmt.Printf("[%s]: (image %s) %s\n", sender, url, m.Content)
	case protocol.MessageTypePriceOffer:
		amount := 0.0
		if m.Metadata != nil && m.Metadata.Amount != nil {
			amount = *m.Metadata.Amount
		}
		fmt.Printf("[%s]: (offer %.2f) %s\n", sender, amount, m.Content)
	default:
		fmt.Printf("[%s]: %s\n", sender, m.Content)
	}
}

func orZero(badge string) string {
	if badge == "" {
		return "0"
	}
	return badge
}
