// Package types defines core data structures for mailpilot.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Item is one inbound message as seen by a message store.
type Item struct {
	// ID is the stable dedup key (usually the Message-ID header or the
	// provider's message id).
	ID string `json:"id"`
	// Ref is the adapter handle used to act on the message. It can go stale.
	Ref        string    `json:"ref,omitempty"`
	Account    string    `json:"account"`
	Mailbox    string    `json:"mailbox"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	Read       bool      `json:"read"`
	Flagged    bool      `json:"flagged"`
}

// SenderAddress returns the bare address of the sender, lowercased.
func (it Item) SenderAddress() string {
	if addr, err := mail.ParseAddress(it.Sender); err == nil {
		return strings.ToLower(addr.Address)
	}
	s := strings.TrimSpace(it.Sender)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		s = strings.TrimSuffix(s[i+1:], ">")
	}
	return strings.ToLower(s)
}

// SenderDomain returns the domain part of the sender address.
func (it Item) SenderDomain() string {
	addr := it.SenderAddress()
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// ActionKind is the closed set of actions the executor can perform.
type ActionKind string

// Action kinds.
const (
	ActionMove           ActionKind = "move"
	ActionArchive        ActionKind = "archive"
	ActionDelete         ActionKind = "delete"
	ActionFlag           ActionKind = "flag"
	ActionUnflag         ActionKind = "unflag"
	ActionMarkRead       ActionKind = "mark_read"
	ActionMarkUnread     ActionKind = "mark_unread"
	ActionReply          ActionKind = "reply"
	ActionForward        ActionKind = "forward"
	ActionCreateReminder ActionKind = "create_reminder"
	ActionCreateEvent    ActionKind = "create_event"
	ActionIgnore         ActionKind = "ignore"
)

// ActionKinds lists every valid action kind.
var ActionKinds = []ActionKind{
	ActionMove, ActionArchive, ActionDelete, ActionFlag, ActionUnflag,
	ActionMarkRead, ActionMarkUnread, ActionReply, ActionForward,
	ActionCreateReminder, ActionCreateEvent, ActionIgnore,
}

var actionAliases = map[string]ActionKind{
	"move_to_folder": ActionMove,
	"trash":          ActionDelete,
	"star":           ActionFlag,
	"unstar":         ActionUnflag,
	"read":           ActionMarkRead,
	"mark_as_read":   ActionMarkRead,
	"unread":         ActionMarkUnread,
	"mark_as_unread": ActionMarkUnread,
	"reminder":       ActionCreateReminder,
	"event":          ActionCreateEvent,
	"none":           ActionIgnore,
	"skip":           ActionIgnore,
}

// ParseActionKind normalizes s into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if k, ok := actionAliases[norm]; ok {
		return k, nil
	}
	k := ActionKind(norm)
	if !k.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return k, nil
}

// Valid reports whether k is one of ActionKinds.
func (k ActionKind) Valid() bool {
	for _, v := range ActionKinds {
		if v == k {
			return true
		}
	}
	return false
}

// NeedsFolder reports whether the action targets a destination folder.
func (k ActionKind) NeedsFolder() bool {
	return k == ActionMove
}

// Outbound reports whether the action sends mail on the user's behalf.
func (k ActionKind) Outbound() bool {
	return k == ActionReply || k == ActionForward
}

// AllowedAsSecondary reports whether k may ride along as a secondary action.
// Destructive and outbound kinds are never secondary.
func (k ActionKind) AllowedAsSecondary() bool {
	switch k {
	case ActionDelete, ActionReply, ActionForward:
		return false
	}
	return k.Valid()
}

// ActionSpec describes one action to perform on an item.
type ActionSpec struct {
	Kind       ActionKind `json:"kind"`
	Folder     string     `json:"target_folder,omitempty"`
	Account    string     `json:"target_account,omitempty"`
	Template   string     `json:"template,omitempty"`
	Recipients []string   `json:"recipients,omitempty"`
	Title      string     `json:"title,omitempty"`
	Due        string     `json:"due,omitempty"`
}

func (a ActionSpec) String() string {
	if a.Folder != "" {
		return string(a.Kind) + "→" + a.Folder
	}
	return string(a.Kind)
}

// Value stores the spec as JSON text.
func (a ActionSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan decodes a JSON text column.
func (a *ActionSpec) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), a)
	case []byte:
		return json.Unmarshal(v, a)
	case nil:
		*a = ActionSpec{}
		return nil
	}
	return fmt.Errorf("scan action spec: unsupported type %T", src)
}

// Source identifies who produced a decision.
type Source string

const (
	SourceRule   Source = "rule"
	SourceAI     Source = "ai"
	SourceReplay Source = "replay"
)

// Gate marks a decision that must not run without approval.
type Gate string

const (
	GateNone          Gate = ""
	GateLowConfidence Gate = "low_confidence"
	GateOutbound      Gate = "outbound_review"
)

// Decision is the arbitrated verdict for one item.
type Decision struct {
	ItemID     string      `json:"item_id"`
	Primary    ActionSpec  `json:"primary_action"`
	Secondary  *ActionSpec `json:"secondary_action,omitempty"`
	Confidence float64     `json:"confidence"`
	Source     Source      `json:"source"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Category   string      `json:"category,omitempty"`
	RuleName   string      `json:"rule,omitempty"`
	Gate       Gate        `json:"gate,omitempty"`
}

// Deferred reports whether the decision needs approval before it can run.
func (d Decision) Deferred() bool {
	return d.Gate != GateNone
}

// Status is the outcome of executing one action.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusQueued   Status = "queued"
	StatusSkipped  Status = "skipped"
	StatusErrored  Status = "errored"
)

// Reason explains why an action was queued.
type Reason string

const (
	ReasonMissingFolder Reason = "missing_folder"
	ReasonLowConfidence Reason = "low_confidence"
	ReasonOutbound      Reason = "outbound_review"
	ReasonDuplicate     Reason = "duplicate"
	ReasonExcluded      Reason = "excluded"
)

// Result is the execution result of a single action.
type Result struct {
	Kind     ActionKind `json:"kind"`
	Status   Status     `json:"status"`
	Reason   Reason     `json:"reason,omitempty"`
	Attempts int        `json:"attempts,omitempty"`
	Error    string     `json:"error,omitempty"`
	DryRun   bool       `json:"dry_run,omitempty"`
}

// Outcome groups the primary and secondary results for one item.
type Outcome struct {
	ItemID    string   `json:"item_id"`
	Account   string   `json:"account"`
	Subject   string   `json:"subject"`
	Decision  Decision `json:"decision"`
	Primary   Result   `json:"primary"`
	Secondary *Result  `json:"secondary,omitempty"`
}

// PendingStatus is the review state of a queued action.
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApproved PendingStatus = "approved"
	PendingStatusRejected PendingStatus = "rejected"
)

// ValidPendingStatuses is the set of allowed pending statuses.
var ValidPendingStatuses = []PendingStatus{PendingStatusPending, PendingStatusApproved, PendingStatusRejected}

// IsValidPendingStatus checks if a status string is valid.
func IsValidPendingStatus(s string) bool {
	for _, v := range ValidPendingStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// PendingAction is a deferred action awaiting a precondition or approval.
type PendingAction struct {
	ID         string        `json:"id" db:"id"`
	ItemID     string        `json:"item_id" db:"item_id"`
	Account    string        `json:"account" db:"account"`
	Folder     string        `json:"folder,omitempty" db:"folder"`
	Mailbox    string        `json:"mailbox,omitempty" db:"mailbox"`
	Ref        string        `json:"ref,omitempty" db:"ref"`
	Sender     string        `json:"sender,omitempty" db:"sender"`
	Subject    string        `json:"subject,omitempty" db:"subject"`
	Action     ActionSpec    `json:"action_spec" db:"action_spec"`
	Secondary  *ActionSpec   `json:"secondary_spec,omitempty" db:"secondary_spec"`
	Confidence float64       `json:"confidence" db:"confidence"`
	Reasoning  string        `json:"reasoning,omitempty" db:"reasoning"`
	Source     Source        `json:"source" db:"source"`
	Reason     Reason        `json:"reason" db:"reason"`
	Status     PendingStatus `json:"status" db:"status"`
	CreatedAt  string        `json:"created_at" db:"created_at"`
	UpdatedAt  string        `json:"updated_at,omitempty" db:"updated_at"`
}

// Item rebuilds the item snapshot stored with the pending action.
func (p *PendingAction) Item() Item {
	return Item{
		ID:      p.ItemID,
		Ref:     p.Ref,
		Account: p.Account,
		Mailbox: p.Mailbox,
		Sender:  p.Sender,
		Subject: p.Subject,
	}
}

// FolderAccount is the account a missing folder has to be created in. It
// differs from Account when the move targets another account.
func (p *PendingAction) FolderAccount() string {
	if p.Action.Account != "" {
		return p.Action.Account
	}
	return p.Account
}

// Decision rebuilds the decision stored with the pending action.
func (p *PendingAction) Decision() Decision {
	return Decision{
		ItemID:     p.ItemID,
		Primary:    p.Action,
		Secondary:  p.Secondary,
		Confidence: p.Confidence,
		Source:     p.Source,
		Reasoning:  p.Reasoning,
	}
}

// PendingFolder is a missing folder with the number of actions waiting on it.
type PendingFolder struct {
	Folder  string `json:"folder" db:"folder"`
	Account string `json:"account" db:"account"`
	Count   int    `json:"count" db:"count"`
}

// HistoryEntry is one row of the append-only audit log.
type HistoryEntry struct {
	ID        int64  `json:"id" db:"id"`
	ItemID    string `json:"item_id" db:"item_id"`
	Action    string `json:"action" db:"action"`
	Source    string `json:"source" db:"source"`
	Details   string `json:"details,omitempty" db:"details"`
	Timestamp string `json:"timestamp" db:"timestamp"`
}

// Stats is the status overview.
type Stats struct {
	ProcessedTotal int    `json:"processed_total"`
	PendingCount   int    `json:"pending_count"`
	Actions7d      int    `json:"actions_7d"`
	LastProcessed  string `json:"last_processed,omitempty"`
}

// RunSummary holds the result of one cycle.
type RunSummary struct {
	Fetched   int           `json:"fetched"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Executed  int           `json:"executed"`
	Queued    int           `json:"queued"`
	Errors    int           `json:"errors"`
	Swept     int           `json:"swept"`
	DryRun    bool          `json:"dry_run"`
	Duration  time.Duration `json:"duration"`
	Outcomes  []Outcome     `json:"outcomes,omitempty"`
}

// Tally folds an item outcome into the summary counters.
func (s *RunSummary) Tally(o Outcome) {
	s.Processed++
	switch o.Primary.Status {
	case StatusExecuted:
		s.Executed++
	case StatusQueued:
		s.Queued++
	case StatusSkipped:
		s.Skipped++
	case StatusErrored:
		s.Errors++
	}
	s.Outcomes = append(s.Outcomes, o)
}
