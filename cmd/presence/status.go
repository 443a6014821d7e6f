package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue depth, and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}

		store := openStore()
		defer store.Close()

		size, err := store.Size()
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		fmt.Println()
		fmt.Printf("Offline queue: %d check-in(s) pending\n", size)

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		var opts []presence.ClientOption
		if cfg.Auth.Token != "" {
			opts = append(opts, presence.WithToken(cfg.Auth.Token))
		}
		client := presence.NewClient(cfg.Default.BaseURL, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		resp, err := client.Do(ctx, http.MethodGet, "/api/health", nil, nil)
		if err != nil {
			fmt.Printf("Server: unreachable (%v)\n", err)
			return nil
		}
		if resp.OK() {
			fmt.Println("Server: reachable")
		} else {
			fmt.Printf("Server: responded with status %d\n", resp.Status)
		}
		return nil
	},
}
