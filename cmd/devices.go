package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"runelink/storage"
)

var devicesHistory bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices the backend currently knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		if devicesHistory {
			db, err := storage.OpenPath(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			stored, err := db.ListDevices(0)
			if err != nil {
				return fmt.Errorf("failed to list device history: %w", err)
			}
			rows := make([]deviceRow, 0, len(stored))
			for _, device := range stored {
				rows = append(rows, rowFromStored(device))
			}
			return writeDevices(cmd.OutOrStdout(), outputFormat, rows)
		}

		client, err := dialBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		devices, err := client.ListDevices(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		rows := make([]deviceRow, 0, len(devices))
		for _, msg := range devices {
			rows = append(rows, rowFromMessage(msg))
		}
		return writeDevices(cmd.OutOrStdout(), outputFormat, rows)
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesHistory, "history", false, "list every device ever recorded instead of asking the backend")
	rootCmd.AddCommand(devicesCmd)
}
