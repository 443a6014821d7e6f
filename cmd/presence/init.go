package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (e.g. https://presence.example.com)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.presence/config.toml",
	Long:  "Initialize the Smart Presence CLI by storing your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
