package main

import (
	"fmt"
	"os"

	relayline "github.com/relayline/relayline-go"
	"go.uber.org/zap"
)

// getClient creates an authenticated API client from config and environment.
func getClient() *relayline.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	baseURL := cfg.Default.BaseURL
	if v := os.Getenv("RELAYLINE_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'relayline config set default.base_url <url>' first.")
		os.Exit(1)
	}

	token := cfg.Auth.AccessToken
	if v := os.Getenv("RELAYLINE_TOKEN"); v != "" {
		token = v
	}

	var opts []relayline.ClientOption
	if token != "" {
		opts = append(opts, relayline.WithToken(token))
	}
	return relayline.NewClient(baseURL, opts...)
}

// requireAuth exits unless a token is configured.
func requireAuth(client *relayline.Client) {
	if client.Token() == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'relayline login' first.")
		os.Exit(1)
	}
}

// getLogger builds the CLI logger.
func getLogger() *zap.Logger {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
			os.Exit(1)
		}
		return logger
	}
	return zap.NewNop()
}
