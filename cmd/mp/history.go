package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/display"
)

var (
	historyItem  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := store.History(cmd.Context(), historyItem, historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Println("No history yet.")
			return nil
		}
		for _, h := range rows {
			fmt.Printf("  %-9s %-14s %-8s %s  %s\n",
				display.Dim.Render(display.TimeAgo(h.Timestamp)),
				h.Action,
				h.Source,
				display.Truncate(h.ItemID, 40),
				display.Dim.Render(display.Truncate(h.Details, 80)),
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyItem, "item", "", "Only rows for this item id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 30, "Maximum rows")
	rootCmd.AddCommand(historyCmd)
}
