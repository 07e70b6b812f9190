package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"runelink/neighbors"
	"runelink/network"
)

// requestTimeout bounds dialing the backend and each start request.
const requestTimeout = 5 * time.Second

var broadcastDuration int

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Advertise this device on the LAN and count down until it stops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()

		db, store, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		client, err := dialBackend(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		controller := neighbors.NewBroadcastController(client, store, neighbors.BroadcastConfig{
			DefaultSeconds: cfg.BroadcastDurationSeconds,
		})
		defer controller.Close()

		states, unsubscribe := controller.Subscribe()
		defer unsubscribe()

		var duration *int
		if cmd.Flags().Changed("duration") {
			duration = &broadcastDuration
		}
		startCtx, cancelStart := context.WithTimeout(ctx, requestTimeout)
		err = controller.Start(startCtx, duration)
		cancelStart()
		if err != nil {
			return fmt.Errorf("failed to start broadcast: %w", err)
		}

		out := cmd.OutOrStdout()
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return nil
				}
				if !state.IsBroadcasting {
					fmt.Fprintln(out, "\nBroadcast finished.")
					return nil
				}
				fmt.Fprintf(out, "\rBroadcasting, %3ds remaining ", state.RemainingSeconds)
			case <-client.Done():
				return fmt.Errorf("backend connection lost: %w", network.ErrClosed)
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := controller.Stop(stopCtx); err != nil {
					return fmt.Errorf("failed to stop broadcast: %w", err)
				}
				fmt.Fprintf(out, "\nBroadcast stopped with %ds left.\n", controller.State().RemainingSeconds)
				return nil
			}
		}
	},
}

func dialBackend(ctx context.Context) (*network.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client, err := network.Dial(dialCtx, network.SignalURL(cfg.SignalAddress))
	if err != nil {
		return nil, fmt.Errorf("is the backend running? %w", err)
	}
	return client, nil
}

func init() {
	broadcastCmd.Flags().IntVar(&broadcastDuration, "duration", 0, "broadcast length in seconds (default from config)")
	rootCmd.AddCommand(broadcastCmd)
}
