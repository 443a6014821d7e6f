package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
	"github.com/spf13/cobra"
)

var (
	getParams  []string
	getRefresh bool
)

func init() {
	getCmd.Flags().StringArrayVar(&getParams, "param", nil, "query parameter as k=v (repeatable)")
	getCmd.Flags().BoolVar(&getRefresh, "refresh", false, "bypass the cached copy and refetch")
	rootCmd.AddCommand(getCmd)
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Fetch an API path through the response cache",
	Long: "Perform a cached GET against the API. Repeated calls within the cache TTL\n" +
		"are served locally; when the server is unreachable a stale copy is served\n" +
		"if one exists.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		params := map[string]string{}
		for _, p := range getParams {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return fmt.Errorf("invalid --param %q, want k=v", p)
			}
			params[k] = v
		}

		store := openStore()
		defer store.Close()

		cache := presence.NewCache(store, 0)
		reader := presence.NewReader(getClient(), cache, nil)

		if getRefresh {
			if err := reader.Invalidate("GET", path, params); err != nil {
				return fmt.Errorf("failed to invalidate cache: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := reader.Get(ctx, path, params)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}
