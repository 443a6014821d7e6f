package main

import (
	"context"
	"fmt"
	"time"

	presence "github.com/Boudhim-Badr-Eddine/Smart-Presence-AI-sub000"
	"github.com/spf13/cobra"
)

var (
	checkinMethod  string
	checkinToken   string
	checkinLat     float64
	checkinLng     float64
	checkinOffline bool
)

func init() {
	checkinCmd.Flags().StringVar(&checkinMethod, "method", presence.MethodQR, "capture method (qr, qr_offline)")
	checkinCmd.Flags().StringVar(&checkinToken, "token", "", "capture token from the scanned QR code")
	checkinCmd.Flags().Float64Var(&checkinLat, "lat", 0, "capture latitude")
	checkinCmd.Flags().Float64Var(&checkinLng, "lng", 0, "capture longitude")
	checkinCmd.Flags().BoolVar(&checkinOffline, "queue", false, "queue for later sync instead of submitting now")
	rootCmd.AddCommand(checkinCmd)
}

var checkinCmd = &cobra.Command{
	Use:   "checkin <session-id> <student-id>",
	Short: "Submit or queue an attendance check-in",
	Long: "Submit an attendance check-in to the server, or queue it locally with --queue\n" +
		"for the next 'presence queue --drain'.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := &presence.CheckinPayload{
			SessionID: args[0],
			StudentID: args[1],
			Token:     checkinToken,
		}
		if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
			payload.Latitude = &checkinLat
			payload.Longitude = &checkinLng
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if checkinOffline {
			store := openStore()
			defer store.Close()

			sm := presence.NewSyncManager(store, getClient(), nil)
			action, err := sm.AddCheckin(ctx, payload, checkinMethod)
			if err != nil {
				return fmt.Errorf("failed to queue check-in: %w", err)
			}
			fmt.Printf("Queued check-in %s (method %s)\n", action.ID, action.Method)
			return nil
		}

		result, err := getClient().SubmitCheckin(ctx, payload, checkinMethod)
		if err != nil {
			return fmt.Errorf("check-in failed: %w", err)
		}
		if !result.OK {
			if result.Error != nil {
				return fmt.Errorf("check-in rejected: %s: %s", result.Error.Code, result.Error.Message)
			}
			return fmt.Errorf("check-in rejected with status %d", result.Status)
		}
		fmt.Printf("Checked in student %s to session %s\n", payload.StudentID, payload.SessionID)
		return nil
	},
}
