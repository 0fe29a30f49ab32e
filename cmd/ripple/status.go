package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ripple "github.com/ripplechat/ripple-go"
)

var statusChatID string

func init() {
	statusCmd.Flags().StringVar(&statusChatID, "chat", "", "probe connectivity by fetching this chat's history")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and, with --chat, verify the credentials against the API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, ripple.DefaultBaseURL))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
		}
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		if statusChatID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Cannot probe: no token configured.")
			return nil
		}

		var opts []ripple.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, ripple.WithBaseURL(cfg.Default.BaseURL))
		}
		client := ripple.NewClient(opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		records, err := client.History(ctx, statusChatID, cfg.Auth.Token)
		if err != nil {
			fmt.Printf("  Error fetching history: %v\n", err)
			return nil
		}
		fmt.Printf("  Chat %s reachable, %d messages in history.\n", statusChatID, len(records))
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) < 2 {
		return "..."
	}
	if len(token) <= 12 {
		return token[:2] + "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
