package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [topic...]",
	Short: "Stream live push events to stdout",
	Long: "Connect to the push channel and print events as they arrive.\n" +
		"With no topics, every event is printed. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			return fmt.Errorf("no base URL configured; run 'presence init <token> --base-url <url>' first")
		}

		var opts []presence.ChannelOption
		if cfg.Auth.Token != "" {
			opts = append(opts, presence.WithChannelToken(cfg.Auth.Token))
		}
		ch := presence.NewChannel(cfg.Default.BaseURL, opts...)

		print := func(topic string, data json.RawMessage) {
			fmt.Printf("[%s] %s %s\n", time.Now().Format("15:04:05"), topic, data)
		}
		if len(args) == 0 {
			ch.Subscribe(presence.TopicWildcard, print)
		} else {
			for _, topic := range args {
				ch.Subscribe(topic, print)
			}
		}
		ch.OnDisconnected(func() {
			fmt.Fprintln(os.Stderr, "connection lost; reconnecting...")
		})
		ch.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "connected")
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer ch.Disconnect()

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "stopping")
		return nil
	},
}
