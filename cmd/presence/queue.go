package main

import (
	"context"
	"fmt"
	"time"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
	"github.com/spf13/cobra"
)

var queueDrain bool

func init() {
	queueCmd.Flags().BoolVar(&queueDrain, "drain", false, "replay all queued check-ins now")
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the offline check-in queue",
	Long: "Show the number of check-ins waiting for sync. With --drain, replay them\n" +
		"against the server and report the outcome of each.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		defer store.Close()

		actions, err := store.GetAll()
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if !queueDrain {
			fmt.Printf("%d check-in(s) queued\n", len(actions))
			for _, a := range actions {
				fmt.Printf("  %s  session=%s student=%s method=%s retries=%d queued=%s\n",
					a.ID, a.Payload.SessionID, a.Payload.StudentID, a.Method,
					a.RetryCount, a.CreatedAt.Local().Format(time.RFC3339))
			}
			return nil
		}

		if len(actions) == 0 {
			fmt.Println("Nothing to drain.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		sm := presence.NewSyncManager(store, getClient(), nil)
		result := sm.Sync(ctx)

		fmt.Printf("Synced: %d delivered, %d failed\n", result.Successful, result.Failed)
		for _, item := range result.Items {
			line := fmt.Sprintf("  %s  %s", item.ID, item.Outcome)
			if item.Err != nil {
				line += fmt.Sprintf(" (%v)", item.Err)
			}
			fmt.Println(line)
		}
		return nil
	},
}
