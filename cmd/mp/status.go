package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/cycle"
	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/types"
)

type statusOutput struct {
	types.Stats
	Approved int               `json:"approved_count"`
	Rules    int               `json:"rules"`
	Accounts []statusAccount   `json:"accounts"`
	LastScan string            `json:"last_scan,omitempty"`
	Retry    *cycle.RetryState `json:"retry_state,omitempty"`
}

type statusAccount struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Mailboxes []string `json:"mailboxes"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show processed totals, the pending queue and backoff state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, err := store.Stats(ctx, time.Now().Add(-7*24*time.Hour))
		if err != nil {
			return err
		}
		out := statusOutput{
			Stats: types.Stats{
				ProcessedTotal: raw.ProcessedTotal,
				PendingCount:   raw.PendingCount,
				Actions7d:      raw.RecentActions,
				LastProcessed:  raw.LastProcessed,
			},
			Approved: raw.ApprovedCount,
			Rules:    cfg.Rules.Len(),
		}
		for _, a := range cycleAccounts(cfg, "") {
			acc, _ := cfg.Account(a.Name)
			out.Accounts = append(out.Accounts, statusAccount{Name: a.Name, Type: acc.Type, Mailboxes: a.Mailboxes})
		}
		if t, ok := cycle.LastScan(ctx, store); ok {
			out.LastScan = db.Timestamp(t)
		}
		st, err := cycle.NewBackoff(store, 0, 0).State(ctx)
		if err != nil {
			return err
		}
		if st.Failures > 0 {
			out.Retry = &st
		}

		if jsonOutput {
			return writeJSON(cmd, out)
		}

		display.Header("Mailpilot")
		fmt.Printf("  Processed:   %d total, %d in the last 7 days\n", out.ProcessedTotal, out.Actions7d)
		if out.LastProcessed != "" {
			fmt.Printf("  Last action: %s\n", display.TimeAgo(out.LastProcessed))
		}
		fmt.Printf("  Pending:     %d waiting, %d approved\n", out.PendingCount, out.Approved)
		fmt.Printf("  Rules:       %d\n", out.Rules)
		if out.LastScan != "" {
			fmt.Printf("  Last scan:   %s\n", display.TimeAgo(out.LastScan))
		}
		fmt.Println()

		display.SubHeader("Accounts")
		if len(out.Accounts) == 0 {
			fmt.Printf("  none configured in %s\n", cfg.Path)
		}
		for _, a := range out.Accounts {
			fmt.Printf("  %-12s %-8s %s\n", a.Name, a.Type, display.Dim.Render(fmt.Sprint(a.Mailboxes)))
		}

		if st.Failures > 0 {
			fmt.Println()
			msg := fmt.Sprintf("Backing off after %d failed cycles", st.Failures)
			if st.Waiting(time.Now()) {
				msg += fmt.Sprintf(", next attempt %s", st.NextAttemptAt.Local().Format(time.DateTime))
			}
			display.ErrorMsg("%s", msg)
			if st.LastError != "" {
				fmt.Printf("  %s\n", display.Dim.Render(display.Truncate(st.LastError, 100)))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
