package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		password := loginPassword
		if password == "" {
			fmt.Print("Password: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := client.Login(ctx, email, password); err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		profile, err := client.Profile(ctx)
		if err != nil {
			return fmt.Errorf("fetch profile: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Email = email
		cfg.Auth.AccessToken = client.Token()
		cfg.Auth.UserID = profile.ID
		if err := saveConfig(cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s\n", email)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (prompted when omitted)")
}
