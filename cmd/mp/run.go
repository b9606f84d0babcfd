package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/cycle"
	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/types"
)

var (
	runDryRun      bool
	runAutoCreate  bool
	runInteractive bool
	runLimit       int
	runAccount     string
	runForce       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one triage cycle",
	Long: `Fetch recent mail from every configured account, decide an action for
each new item (quick rules first, then the classifier), and carry it out.
Actions that need approval or a missing folder are queued; see 'mp pending'.

Examples:
  mp run                        # One cycle over all accounts
  mp run --dry-run              # Show what would happen, change nothing
  mp run --account work -n 10   # At most 10 items from one account
  mp run --auto-create          # Create missing folders instead of queueing
  mp run --force                # Ignore the failure backoff`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runAutoCreate && runInteractive {
			return errors.New("--auto-create and --interactive are mutually exclusive")
		}
		opts := appOptions{Account: runAccount, Prompt: true, Notify: !jsonOutput && !quietFlag}
		switch {
		case runAutoCreate:
			opts.FolderPolicy = policy.AutoCreate
		case runInteractive:
			opts.FolderPolicy = policy.Interactive
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, err := a.runner.Run(ctx, cycle.Options{
			Account: runAccount,
			Limit:   runLimit,
			DryRun:  runDryRun,
			Force:   runForce,
			Trigger: cycle.TriggerManual,
		})
		if sum != nil {
			if perr := printSummary(cmd, sum); perr != nil {
				return perr
			}
		}
		var berr *cycle.BackoffError
		if errors.As(err, &berr) {
			return fmt.Errorf("%w (use --force to run anyway)", err)
		}
		return err
	},
}

func printSummary(cmd *cobra.Command, sum *types.RunSummary) error {
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	if quietFlag {
		return nil
	}
	for _, o := range sum.Outcomes {
		fmt.Println(display.OutcomeLine(o))
	}
	if len(sum.Outcomes) > 0 {
		fmt.Println()
	}
	fmt.Println(display.Summary(sum))
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Decide but do not act or record anything")
	runCmd.Flags().BoolVar(&runAutoCreate, "auto-create", false, "Create missing folders for every account")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", false, "Ask before creating missing folders")
	runCmd.Flags().IntVarP(&runLimit, "limit", "n", 0, "Stop after this many items (0 = no limit)")
	runCmd.Flags().StringVar(&runAccount, "account", "", "Only process this account")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Run even while backing off after failures")
	rootCmd.AddCommand(runCmd)
}
