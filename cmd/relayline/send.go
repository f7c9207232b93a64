package main

import (
	"context"
	"fmt"
	"time"

	relayline "github.com/relayline/relayline-go"
	"github.com/spf13/cobra"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a single message and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], args[1]

		client := getClient()
		requireAuth(client)
		logger := getLogger()
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		session := relayline.NewSession(client.BaseURL(), &relayline.SessionConfig{
			TokenSource: client.TokenSource(),
			Logger:      logger,
		})

		failed := make(chan error, 1)
		engine := relayline.NewEngine(session, client, &relayline.EngineConfig{
			SelfID: mustUserID(),
			Logger: logger,
			OnSendFailed: func(_, _ string, err error) {
				failed <- err
			},
		})
		engine.Bind(ctx)

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer session.Disconnect()

		msg, err := engine.SendMessage(ctx, conversationID, content)
		if err != nil {
			return err
		}

		// SendMessage confirms asynchronously; poll the log until the
		// placeholder either advances past PENDING or is discarded.
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timed out waiting for confirmation")
			case err := <-failed:
				return fmt.Errorf("send failed: %w", err)
			case <-ticker.C:
				for _, m := range engine.Messages(conversationID) {
					if m.ClientID == msg.ClientID && m.Status != relayline.StatusPending {
						fmt.Printf("Sent (%s)\n", m.Status)
						return nil
					}
				}
			}
		}
	},
}

func mustUserID() string {
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return cfg.Auth.UserID
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "how long to wait for server confirmation")
}
