package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/pending"
)

var (
	replayAccount string
	replayDryRun  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run approved actions and actions waiting on a folder",
	Long: `Replay executes approved entries and entries whose folder was missing.
With --account, every open entry of that account is replayed, approved or
not. Entries that execute (or turn out to be done already) leave the queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{Account: replayAccount, NoClassifier: true})
		if err != nil {
			return err
		}
		defer a.Close()

		var res *pending.ReplayResult
		err = withLock(ctx, a.locker, func() error {
			var err error
			res, err = a.queue.Replay(ctx, pending.ReplayOptions{Account: replayAccount, DryRun: replayDryRun})
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, res)
		}
		if quietFlag {
			return nil
		}
		for _, o := range res.Outcomes {
			fmt.Println(display.OutcomeLine(o))
		}
		if res.Replayed == 0 {
			fmt.Println("Nothing to replay.")
			return nil
		}
		fmt.Printf("\nreplayed %d · executed %d · removed %d · waiting %d · errors %d\n",
			res.Replayed, res.Executed, res.Removed, res.Waiting, res.Errors)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayAccount, "account", "", "Replay every open entry of this account")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Show what would run, change nothing")
	rootCmd.AddCommand(replayCmd)
}
