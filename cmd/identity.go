package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show or change this device's identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print alias and certificate fingerprint, creating them on first use",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := store.Init(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}
		return writeIdentity(cmd.OutOrStdout(), outputFormat, id)
	},
}

var identityRenameCmd = &cobra.Command{
	Use:   "rename <alias>",
	Short: "Change the alias other devices see; the fingerprint is kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := store.SetAlias(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to rename device: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Device renamed to %q.\n", args[0])
		return nil
	},
}

var identityHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent alias changes and certificate regenerations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openIdentity()
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.GetIdentityEvents("", historyLimit)
		if err != nil {
			return fmt.Errorf("failed to read identity history: %w", err)
		}
		return writeOutput(cmd.OutOrStdout(), outputFormat, events, func(tw *tabwriter.Writer) {
			if len(events) == 0 {
				fmt.Fprintln(tw, "No identity events recorded.")
				return
			}
			fmt.Fprintln(tw, "TIME\tEVENT\tDETAILS")
			for _, event := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					time.UnixMilli(event.Timestamp).Format(time.DateTime),
					event.EventType,
					event.Details,
				)
			}
		})
	},
}

func init() {
	identityHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of events to show")

	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityRenameCmd)
	identityCmd.AddCommand(identityHistoryCmd)
	rootCmd.AddCommand(identityCmd)
}
