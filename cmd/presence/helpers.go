package main

import (
	"fmt"
	"os"
	"path/filepath"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
)

// getClient creates a Smart Presence client from the stored configuration.
func getClient() *presence.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'presence init <token> --base-url <url>' first.")
		os.Exit(1)
	}

	var opts []presence.ClientOption
	if cfg.Auth.Token != "" {
		opts = append(opts, presence.WithToken(cfg.Auth.Token))
	}
	return presence.NewClient(cfg.Default.BaseURL, opts...)
}

// openStore opens the durable store for the offline queue and response
// cache. The caller owns the returned store and must Close it.
func openStore() *presence.Store {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dir := cfg.Storage.Dir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve store directory: %v\n", err)
			os.Exit(1)
		}
		dir = filepath.Join(base, "store")
	}

	store, err := presence.OpenStore(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store at %s: %v\n", dir, err)
		os.Exit(1)
	}
	return store
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
