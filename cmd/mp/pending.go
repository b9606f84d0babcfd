package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/pending"
	"github.com/daviddao/mailpilot/internal/types"
)

var (
	pendingAccount string
	pendingStatus  string
	pendingLimit   int
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Review queued actions",
	Long: `Actions land in the pending queue when their folder does not exist, the
classifier was not confident enough, or they send mail and need approval.

Approved actions and actions waiting on a folder run on 'mp replay'.`,
}

var pendingListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := db.PendingFilter{Account: pendingAccount, Limit: pendingLimit}
		switch pendingStatus {
		case "all":
		case "":
			f.Statuses = []types.PendingStatus{types.PendingStatusPending, types.PendingStatusApproved}
		default:
			if !types.IsValidPendingStatus(pendingStatus) {
				return fmt.Errorf("invalid status %q (valid: pending, approved, rejected, all)", pendingStatus)
			}
			f.Statuses = []types.PendingStatus{types.PendingStatus(pendingStatus)}
		}

		rows, err := pending.New(store, nil, nil).List(cmd.Context(), f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Println("Nothing queued.")
			return nil
		}
		fmt.Printf("Pending (%d):\n\n", len(rows))
		for _, p := range rows {
			fmt.Println(display.PendingLine(p))
		}
		return nil
	},
}

var pendingApproveCmd = &cobra.Command{
	Use:   "approve <id>...",
	Short: "Approve queued actions for the next replay",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return review(cmd, args, true)
	},
}

var pendingRejectCmd = &cobra.Command{
	Use:   "reject <id>...",
	Short: "Reject queued actions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return review(cmd, args, false)
	},
}

// review approves or rejects each id (or unique id prefix).
func review(cmd *cobra.Command, ids []string, approve bool) error {
	q := pending.New(store, nil, nil)
	var done []*types.PendingAction
	for _, id := range ids {
		var p *types.PendingAction
		var err error
		if approve {
			p, err = q.Approve(cmd.Context(), id)
		} else {
			p, err = q.Reject(cmd.Context(), id)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		done = append(done, p)
		if !jsonOutput && !quietFlag {
			display.SuccessMsg("%s %s  %s  %s", p.Status, display.Dim.Render(p.ID[:min(8, len(p.ID))]),
				display.Action(p.Action), display.Truncate(p.Subject, 50))
		}
	}
	if jsonOutput {
		return writeJSON(cmd, done)
	}
	return nil
}

var pendingFoldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List missing folders that actions are waiting on",
	RunE: func(cmd *cobra.Command, args []string) error {
		folders, err := pending.New(store, nil, nil).Folders(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, folders)
		}
		if len(folders) == 0 {
			fmt.Println("No actions are waiting on a folder.")
			return nil
		}
		display.Header("Missing folders")
		for _, f := range folders {
			fmt.Printf("  %-10s %-30s %s\n", f.Account, f.Folder, display.Dim.Render(fmt.Sprintf("%d waiting", f.Count)))
		}
		fmt.Println()
		display.SubHeader("Create them in your mail client, then run 'mp replay'.")
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	pendingListCmd.Flags().StringVar(&pendingAccount, "account", "", "Filter by account")
	pendingListCmd.Flags().StringVar(&pendingStatus, "status", "", "pending, approved, rejected or all (default: open entries)")
	pendingListCmd.Flags().IntVarP(&pendingLimit, "limit", "n", 0, "Maximum entries to show")

	pendingCmd.AddCommand(pendingListCmd, pendingApproveCmd, pendingRejectCmd, pendingFoldersCmd)
	rootCmd.AddCommand(pendingCmd)
}
