// Package display provides terminal formatting for mailpilot output.
package display

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/daviddao/mailpilot/internal/types"
)

var (
	// Styles
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))

	QueuedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	SkippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
)

// StatusDot returns a colored dot for an action status.
func StatusDot(s types.Status) string {
	switch s {
	case types.StatusExecuted:
		return Success.Render("●")
	case types.StatusQueued:
		return QueuedStyle.Render("○")
	case types.StatusErrored:
		return ErrStyle.Render("✗")
	case types.StatusSkipped:
		return SkippedStyle.Render("◌")
	default:
		return Dim.Render("·")
	}
}

// StatusLabel returns a fixed-width styled status.
func StatusLabel(s types.Status) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(string(s)))
	switch s {
	case types.StatusExecuted:
		return Success.Render(label)
	case types.StatusQueued:
		return QueuedStyle.Render(label)
	case types.StatusErrored:
		return ErrStyle.Render(label)
	case types.StatusSkipped:
		return SkippedStyle.Render(label)
	default:
		return label
	}
}

// Action renders an action spec, e.g. "move → Receipts".
func Action(a types.ActionSpec) string {
	switch {
	case a.Folder != "":
		return fmt.Sprintf("%s → %s", a.Kind, a.Folder)
	case len(a.Recipients) > 0:
		return fmt.Sprintf("%s → %s", a.Kind, strings.Join(a.Recipients, ", "))
	default:
		return string(a.Kind)
	}
}

// Source renders who decided, with the confidence for AI decisions.
func Source(d types.Decision) string {
	switch d.Source {
	case types.SourceRule:
		if d.RuleName != "" {
			return "rule:" + d.RuleName
		}
		return "rule"
	case types.SourceAI:
		return fmt.Sprintf("ai %.0f%%", d.Confidence*100)
	default:
		return string(d.Source)
	}
}

// OutcomeLine renders one processed item.
func OutcomeLine(o types.Outcome) string {
	res := o.Primary
	line := fmt.Sprintf("  %s %s %-28s %s",
		StatusDot(res.Status),
		StatusLabel(res.Status),
		Action(o.Decision.Primary),
		Truncate(o.Subject, 50),
	)
	var notes []string
	if o.Decision.Source != "" {
		notes = append(notes, Source(o.Decision))
	}
	if res.Reason != "" {
		notes = append(notes, string(res.Reason))
	}
	if res.Error != "" {
		notes = append(notes, Truncate(res.Error, 60))
	}
	if o.Secondary != nil {
		notes = append(notes, fmt.Sprintf("+%s %s", o.Secondary.Kind, o.Secondary.Status))
	}
	if len(notes) > 0 {
		line += "  " + Dim.Render(strings.Join(notes, " · "))
	}
	return line
}

// PendingLine renders one queued action.
func PendingLine(p *types.PendingAction) string {
	return fmt.Sprintf("  %s %s  %-10s %-28s %s  %s",
		Dim.Render(shortID(p.ID)),
		pendingStatus(p.Status),
		p.Account,
		Action(p.Action),
		Truncate(p.Subject, 40),
		Dim.Render(string(p.Reason)+" · "+TimeAgo(p.CreatedAt)),
	)
}

func pendingStatus(s types.PendingStatus) string {
	label := fmt.Sprintf("%-8s", s)
	switch s {
	case types.PendingStatusApproved:
		return Success.Render(label)
	case types.PendingStatusRejected:
		return SkippedStyle.Render(label)
	default:
		return QueuedStyle.Render(label)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Summary renders the one-line cycle summary.
func Summary(s *types.RunSummary) string {
	prefix := ""
	if s.DryRun {
		prefix = "[dry run] "
	}
	return fmt.Sprintf("%sfetched %d · processed %d · executed %d · queued %d · skipped %d · errors %d · %s",
		prefix, s.Fetched, s.Processed, s.Executed, s.Queued, s.Skipped, s.Errors,
		s.Duration.Round(time.Millisecond))
}

var timeLayouts = []string{
	"2006-01-02T15:04:05.000000Z",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// TimeAgo formats a stored timestamp as a relative time.
func TimeAgo(stamp string) string {
	if stamp == "" {
		return ""
	}
	var t time.Time
	var err error
	for _, layout := range timeLayouts {
		if t, err = time.Parse(layout, stamp); err == nil {
			break
		}
	}
	if err != nil {
		return stamp[:min(10, len(stamp))]
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Local().Format("Jan 2")
	}
}

// Truncate shortens s to maxLen runes, adding an ellipsis if needed.
func Truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark + message.
func SuccessMsg(format string, args ...any) {
	fmt.Println(Success.Render("✓") + " " + fmt.Sprintf(format, args...))
}

// ErrorMsg prints a red X + message to stderr.
func ErrorMsg(format string, args ...any) {
	fmt.Fprintln(os.Stderr, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Header prints a section header.
func Header(title string) {
	fmt.Println(Bold.Render(title))
}

// SubHeader prints a dim subsection label.
func SubHeader(title string) {
	fmt.Println(Muted.Render(title))
}
