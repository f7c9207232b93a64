package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var conversationsJSON bool

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}

		if conversationsJSON {
			data, err := json.MarshalIndent(conversations, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range conversations {
			kind := "direct"
			if c.IsGroup {
				kind = "group"
			}
			name := c.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%-36s  %-6s  %s\n", c.ID, kind, name)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "raw JSON output")
}
