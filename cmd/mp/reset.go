package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/types"
)

var resetOlderThan int

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget processed items so they are triaged again",
	Long: `Delete dedup records so the next cycle reconsiders those items.

Examples:
  mp reset                    # Forget everything
  mp reset --older-than 30    # Forget items processed more than 30 days ago`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetOlderThan < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}
		var cutoff time.Time
		if resetOlderThan > 0 {
			cutoff = time.Now().Add(-time.Duration(resetOlderThan) * 24 * time.Hour)
		}
		ctx := cmd.Context()
		var n int
		err := withLock(ctx, newLocker(cfg, store), func() error {
			var err error
			if n, err = store.ResetProcessed(ctx, cutoff); err != nil {
				return err
			}
			details, _ := json.Marshal(map[string]int{"removed": n, "older_than_days": resetOlderThan})
			return store.AppendHistory(ctx, &types.HistoryEntry{
				ItemID:  "*",
				Action:  "reset",
				Source:  "user",
				Details: string(details),
			})
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(cmd, map[string]int{"removed": n})
		}
		if !quietFlag {
			display.SuccessMsg("Forgot %d processed records", n)
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().IntVar(&resetOlderThan, "older-than", 0, "Only forget records older than this many days")
	rootCmd.AddCommand(resetCmd)
}
