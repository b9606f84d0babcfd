// Package classifier wraps the external AI classifier behind a gateway that
// adds a bounded timeout and the transient/permanent error taxonomy.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 60 * time.Second

// Backend is a concrete classifier transport.
type Backend interface {
	Classify(ctx context.Context, it types.Item, instructions string) (*Response, error)
}

// Response is the JSON document a classifier returns.
type Response struct {
	Action                string     `json:"action"`
	Confidence            float64    `json:"confidence"`
	Category              string     `json:"category,omitempty"`
	Reasoning             string     `json:"reasoning,omitempty"`
	TargetFolder          string     `json:"target_folder,omitempty"`
	TargetAccount         string     `json:"target_account,omitempty"`
	SecondaryAction       string     `json:"secondary_action,omitempty"`
	SecondaryTargetFolder string     `json:"secondary_target_folder,omitempty"`
	ReplyContent          string     `json:"reply_content,omitempty"`
	ForwardTo             StringList `json:"forward_to,omitempty"`
	ReminderName          string     `json:"reminder_name,omitempty"`
	ReminderDue           string     `json:"reminder_due,omitempty"`
}

// StringList decodes either a JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = StringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ErrInvalidResponse is returned when the classifier reply cannot be used.
var ErrInvalidResponse = errors.New("invalid classifier response")

// Gateway adds a timeout and error classification around a Backend.
type Gateway struct {
	backend Backend
	timeout time.Duration
}

// NewGateway returns a gateway over backend. A zero timeout uses DefaultTimeout.
func NewGateway(backend Backend, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{backend: backend, timeout: timeout}
}

// Classify asks the backend for a decision on it. The returned decision has
// source "ai" and carries the classifier's own confidence. The secondary
// action is passed through unvalidated.
func (g *Gateway) Classify(ctx context.Context, it types.Item, instructions string) (types.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.backend.Classify(ctx, it, instructions)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return types.Decision{}, failure.Wrap("classify", failure.Transient, err)
		}
		var fe *failure.Error
		if errors.As(err, &fe) {
			return types.Decision{}, err
		}
		return types.Decision{}, failure.Wrap("classify", failure.KindOf(err), err)
	}
	d, err := resp.Decision(it.ID)
	if err != nil {
		// Malformed output is retried like a transient failure; a later
		// attempt or cycle usually gets a usable reply.
		return types.Decision{}, failure.Wrap("classify", failure.Transient, err)
	}
	return d, nil
}

// Decision converts the response into a Decision for itemID.
func (r *Response) Decision(itemID string) (types.Decision, error) {
	kind, err := types.ParseActionKind(r.Action)
	if err != nil {
		return types.Decision{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	primary := types.ActionSpec{Kind: kind, Folder: r.TargetFolder, Account: r.TargetAccount}
	switch kind {
	case types.ActionMove:
		if primary.Folder == "" {
			return types.Decision{}, fmt.Errorf("%w: move without target_folder", ErrInvalidResponse)
		}
	case types.ActionReply:
		primary.Template = r.ReplyContent
	case types.ActionForward:
		if len(r.ForwardTo) == 0 {
			return types.Decision{}, fmt.Errorf("%w: forward without forward_to", ErrInvalidResponse)
		}
		primary.Recipients = r.ForwardTo
		primary.Template = r.ReplyContent
	case types.ActionCreateReminder, types.ActionCreateEvent:
		primary.Title, primary.Due = r.ReminderName, r.ReminderDue
	}

	d := types.Decision{
		ItemID:     itemID,
		Primary:    primary,
		Confidence: clamp(r.Confidence),
		Source:     types.SourceAI,
		Reasoning:  r.Reasoning,
		Category:   r.Category,
	}

	if s := strings.TrimSpace(r.SecondaryAction); s != "" && !strings.EqualFold(s, "none") {
		sk, err := types.ParseActionKind(s)
		if err != nil {
			sk = types.ActionKind(strings.ToLower(s))
		}
		if sk != types.ActionIgnore {
			sec := &types.ActionSpec{Kind: sk, Folder: r.SecondaryTargetFolder, Account: r.TargetAccount}
			if sk == types.ActionCreateReminder {
				sec.Title, sec.Due = r.ReminderName, r.ReminderDue
			}
			d.Secondary = sec
		}
	}
	return d, nil
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1 && c <= 100:
		// Some models answer in percent.
		return c / 100
	case c > 1:
		return 1
	}
	return c
}

// ExtractJSON returns the JSON object embedded in text, stripping markdown
// code fences.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrInvalidResponse)
	}
	return s[start : end+1], nil
}

// ParseResponse extracts and decodes a Response from free text.
func ParseResponse(text string) (*Response, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var r Response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &r, nil
}
