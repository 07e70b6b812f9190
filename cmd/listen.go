package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"runelink/neighbors"
)

var listenFor time.Duration

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Watch for devices advertising themselves on the LAN",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext(cmd.Context())
		defer stop()
		if listenFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, listenFor)
			defer cancel()
		}

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

		listener := neighbors.NewDeviceListener(client, store, neighbors.ListenerConfig{
			StaleAfter: time.Duration(cfg.StaleAfterSeconds) * time.Second,
		})
		defer listener.Close()

		states, unsubscribe := listener.Subscribe()
		defer unsubscribe()

		startCtx, cancelStart := context.WithTimeout(ctx, requestTimeout)
		err = listener.StartListening(startCtx)
		cancelStart()
		if err != nil {
			return fmt.Errorf("failed to start listening: %w", err)
		}

		out := cmd.OutOrStdout()
		seen := make(map[string]time.Time)
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return nil
				}
				if !state.IsListening {
					if state.Error != "" {
						return fmt.Errorf("listening stopped: %s", state.Error)
					}
					continue
				}
				for fingerprint, device := range state.Devices {
					if last, ok := seen[fingerprint]; ok && !device.LastSeen.After(last) {
						continue
					}
					seen[fingerprint] = device.LastSeen
					fmt.Fprintf(out, "%s  %-20s %s (%s)\n", device.LastSeen.Format(time.TimeOnly), device.Alias, device.DeviceModel, device.DeviceType)
				}
			case <-ctx.Done():
				devices := listener.Devices()

				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := listener.StopListening(stopCtx); err != nil {
					return fmt.Errorf("failed to stop listening: %w", err)
				}

				rows := make([]deviceRow, 0, len(devices))
				for _, device := range devices {
					rows = append(rows, rowFromDevice(device))
				}
				fmt.Fprintln(out)
				return writeDevices(out, outputFormat, rows)
			}
		}
	},
}

func init() {
	listenCmd.Flags().DurationVar(&listenFor, "for", 0, "stop after this long (default: until interrupted)")
	rootCmd.AddCommand(listenCmd)
}
