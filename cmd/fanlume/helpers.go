package main

import (
	"fmt"
	"os"

	fanlume "github.com/fanlume/fanlume-go"
)

// getClient creates a Fanlume client authenticated with the stored session.
func getClient() *fanlume.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Session == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'fanlume init <session-token>' first.")
		os.Exit(1)
	}

	var opts []fanlume.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fanlume.WithBaseURL(cfg.Default.BaseURL))
	}

	return fanlume.NewClient(cfg.Auth.Session, opts...)
}

// getUserID returns the configured user ID, exiting if it is missing.
func getUserID() string {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user ID. Run 'fanlume init <session-token> --user <id>' or 'fanlume config set auth.user_id <id>'.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}
