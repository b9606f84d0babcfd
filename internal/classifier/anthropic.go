package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
	maxBodyChars     = 6000
)

// Anthropic classifies items with the Anthropic Messages API.
type Anthropic struct {
	apiKey    string
	model     string
	maxTokens int
	endpoint  string
	client    *http.Client
}

// NewAnthropic creates a Messages API backend.
func NewAnthropic(apiKey, model string, maxTokens int) *Anthropic {
	if model == "" {
		model = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  apiURL,
		client:    &http.Client{},
	}
}

// WithEndpoint overrides the API URL.
func (a *Anthropic) WithEndpoint(url string) *Anthropic {
	a.endpoint = url
	return a
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify implements Backend.
func (a *Anthropic) Classify(ctx context.Context, it types.Item, instructions string) (*Response, error) {
	if a.apiKey == "" {
		return nil, failure.Permanentf("anthropic", "no API key configured")
	}

	body, err := json.Marshal(apiRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    systemPrompt,
		Messages:  []apiMessage{{Role: "user", Content: BuildPrompt(it, instructions)}},
	})
	if err != nil {
		return nil, failure.Wrap("anthropic", failure.Permanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Wrap("anthropic", failure.Permanent, err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, failure.Wrap("anthropic", failure.Transient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Wrap("anthropic", failure.Transient, err)
	}

	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Type + ": " + parsed.Error.Message
		}
		kind := failure.Permanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = failure.Transient
		}
		return nil, &failure.Error{Op: "anthropic", Kind: kind, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	r, err := ParseResponse(text.String())
	if err != nil {
		return nil, failure.Wrap("anthropic", failure.Transient, err)
	}
	return r, nil
}

const systemPrompt = `You are an email triage assistant. Decide one action for the email you are shown.
Reply with a single JSON object and nothing else:
{
  "action": "move|archive|delete|flag|unflag|mark_read|mark_unread|reply|forward|create_reminder|create_event|ignore",
  "confidence": 0.0-1.0,
  "category": "short label",
  "reasoning": "one sentence",
  "target_folder": "folder for move",
  "secondary_action": "optional: archive|move|mark_read|flag|create_reminder",
  "secondary_target_folder": "folder for a secondary move",
  "reply_content": "text for reply or forward",
  "forward_to": ["address"],
  "reminder_name": "title for create_reminder or create_event",
  "reminder_due": "ISO 8601 date"
}
Never use delete, reply or forward as secondary_action. Use a low confidence when unsure.`

// BuildPrompt renders the user message for one item.
func BuildPrompt(it types.Item, instructions string) string {
	var b strings.Builder
	if strings.TrimSpace(instructions) != "" {
		b.WriteString("Triage instructions:\n")
		b.WriteString(strings.TrimSpace(instructions))
		b.WriteString("\n\n")
	}
	b.WriteString("Email:\n")
	fmt.Fprintf(&b, "Account: %s\n", it.Account)
	fmt.Fprintf(&b, "Mailbox: %s\n", it.Mailbox)
	fmt.Fprintf(&b, "From: %s\n", it.Sender)
	if len(it.Recipients) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(it.Recipients, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", it.Subject)
	if !it.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", it.ReceivedAt.Format("Mon, 02 Jan 2006 15:04"))
	}
	fmt.Fprintf(&b, "Read: %t\n\n", it.Read)
	body := it.Body
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars] + "\n[truncated]"
	}
	b.WriteString(body)
	return b.String()
}
