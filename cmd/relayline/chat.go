package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	relayline "github.com/relayline/relayline-go"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in real time",
	Long:  "Connects to the event stream, prints incoming messages as they arrive, and sends each line you type. Type /quit to leave.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		client := getClient()
		requireAuth(client)
		logger := getLogger()
		defer logger.Sync()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		selfID := cfg.Auth.UserID

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		expired := make(chan struct{})
		session := relayline.NewSession(client.BaseURL(), &relayline.SessionConfig{
			TokenSource:   client.TokenSource(),
			AutoReconnect: true,
			Logger:        logger,
			OnSessionExpired: func() {
				close(expired)
			},
		})

		var printed sync.Map // conversation id -> count of lines already shown
		engine := relayline.NewEngine(session, client, &relayline.EngineConfig{
			SelfID: selfID,
			Logger: logger,
			OnUpdate: func(id string) {
				if id != conversationID {
					return
				}
				messages := make([]relayline.Message, 0)
				messages = append(messages, engineMessages(id)...)
				prev, _ := printed.LoadOrStore(id, 0)
				from := prev.(int)
				for _, m := range messages[min(from, len(messages)):] {
					printMessage(&m, selfID)
				}
				printed.Store(id, len(messages))
			},
			OnSendFailed: func(_, clientID string, err error) {
				fmt.Fprintf(os.Stderr, "! message not sent: %v\n", err)
			},
		})
		setEngine(engine)
		engine.Bind(ctx)

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer session.Disconnect()

		if err := engine.ActivateConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		fmt.Println("Connected. Type a message and press enter; /quit to leave.")

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
			case <-expired:
				return fmt.Errorf("session expired, log in again")
			case line, ok := <-lines:
				if !ok || strings.TrimSpace(line) == "/quit" {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := engine.SendMessage(ctx, conversationID, line); err != nil {
					fmt.Fprintf(os.Stderr, "! send: %v\n", err)
				}
			}
		}
	},
}

// engine is shared with the OnUpdate closure, which is registered before the
// engine value exists.
var (
	engineMu sync.Mutex
	engineV  *relayline.Engine
)

func setEngine(e *relayline.Engine) {
	engineMu.Lock()
	engineV = e
	engineMu.Unlock()
}

func engineMessages(conversationID string) []relayline.Message {
	engineMu.Lock()
	e := engineV
	engineMu.Unlock()
	if e == nil {
		return nil
	}
	return e.Messages(conversationID)
}

func printMessage(m *relayline.Message, selfID string) {
	who := m.Sender.DisplayName
	if who == "" {
		who = m.Sender.Email
	}
	if who == "" {
		who = m.Sender.ID
	}
	if m.Sender.ID == selfID {
		who = "you"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04"), who, m.Content)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
