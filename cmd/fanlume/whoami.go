package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the configured identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Session == "" {
			fmt.Println("Not authenticated. Run 'fanlume init <session-token>'.")
			return nil
		}

		fmt.Println("Authenticated: yes")
		if cfg.Auth.UserID != "" {
			fmt.Printf("User ID:  %s\n", cfg.Auth.UserID)
		}
		if cfg.Auth.Username != "" {
			fmt.Printf("Username: %s\n", cfg.Auth.Username)
		}
		if cfg.Default.BaseURL != "" {
			fmt.Printf("Base URL: %s\n", cfg.Default.BaseURL)
		}
		return nil
	},
}
