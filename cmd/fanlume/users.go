package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var usersJSON bool

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List platform users available for chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if usersJSON {
			return printJSON(users)
		}

		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}

		for _, u := range users {
			fmt.Printf("%s  %s\n", u.ID, u.Name)
		}
		return nil
	},
}
