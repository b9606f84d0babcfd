package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/mailpilot/internal/decision"
	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/types"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect quick rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the rules file and list rules in evaluation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Loading the config already compiled every rule.
		list := cfg.Rules.Rules()
		if jsonOutput {
			type row struct {
				Name      string            `json:"name"`
				Priority  int               `json:"priority"`
				Enabled   bool              `json:"enabled"`
				Action    types.ActionSpec  `json:"action"`
				Secondary *types.ActionSpec `json:"secondary,omitempty"`
			}
			rows := make([]row, 0, len(list))
			for _, r := range list {
				rows = append(rows, row{r.Name, r.Priority, r.Enabled, r.Action, r.Secondary})
			}
			return writeJSON(cmd, rows)
		}
		display.SuccessMsg("%d rules OK (%s)", len(list), cfg.RulesFile)
		for _, r := range list {
			state := ""
			if !r.Enabled {
				state = display.Dim.Render(" (disabled)")
			}
			action := display.Action(r.Action)
			if r.Secondary != nil {
				action += " + " + display.Action(*r.Secondary)
			}
			fmt.Printf("  %4d  %-24s %s%s\n", r.Priority, r.Name, action, state)
		}
		return nil
	},
}

var (
	testItem types.Item
	testTo   []string
)

var rulesTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Show which rule matches a hypothetical message",
	Long: `Evaluate the rules against a message built from flags, without touching
any mailbox or the classifier.

Examples:
  mp rules test --from notifications@github.com --subject "PR merged"
  mp rules test --from boss@example.com --to me@example.com --unread`,
	RunE: func(cmd *cobra.Command, args []string) error {
		it := testItem
		it.ID = "rules-test"
		it.Recipients = testTo
		now := time.Now()
		it.ReceivedAt = now

		matched := cfg.Rules.MatchAll(it, now)
		engine := decision.New(decision.Config{
			Rules:             cfg.Rules,
			Threshold:         cfg.Threshold,
			OutboundPolicy:    cfg.OutboundPolicy,
			OutboundThreshold: cfg.OutboundThreshold,
		})
		d, err := engine.Decide(cmd.Context(), it)
		if err != nil && !errors.Is(err, decision.ErrNoMatch) {
			return err
		}

		if jsonOutput {
			out := map[string]any{"matched": len(matched) > 0}
			if len(matched) > 0 {
				names := make([]string, len(matched))
				for i, r := range matched {
					names[i] = r.Name
				}
				out["rules"] = names
				out["decision"] = d
			}
			return writeJSON(cmd, out)
		}

		if len(matched) == 0 {
			fmt.Println("No rule matches; the classifier would decide.")
			return nil
		}
		for i, r := range matched {
			marker := "  "
			if i == 0 {
				marker = display.Success.Render("→ ")
			}
			fmt.Printf("%s%-24s %s\n", marker, r.Name, display.Action(r.Action))
		}
		fmt.Printf("\nDecision: %s", display.Action(d.Primary))
		if d.Secondary != nil {
			fmt.Printf(" + %s", display.Action(*d.Secondary))
		}
		if d.Deferred() {
			fmt.Printf("  %s", display.Dim.Render("(queued: "+string(d.Gate)+")"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	f := rulesTestCmd.Flags()
	f.StringVar(&testItem.Sender, "from", "", "Sender address")
	f.StringSliceVar(&testTo, "to", nil, "Recipient addresses")
	f.StringVar(&testItem.Subject, "subject", "", "Subject line")
	f.StringVar(&testItem.Body, "body", "", "Body text")
	f.StringVar(&testItem.Account, "account", "", "Account name")
	f.StringVar(&testItem.Mailbox, "mailbox", "INBOX", "Mailbox")
	f.BoolVar(&testItem.Flagged, "flagged", false, "Message is flagged")
	var unread bool
	f.BoolVar(&unread, "unread", false, "Message is unread")
	rulesTestCmd.PreRun = func(cmd *cobra.Command, args []string) {
		testItem.Read = !unread
	}

	rulesCmd.AddCommand(rulesCheckCmd, rulesTestCmd)
	rootCmd.AddCommand(rulesCmd)
}
