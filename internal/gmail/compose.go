package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

// outgoing is a plain-text message built from an original.
type outgoing struct {
	From       string
	To         []string
	Subject    string
	InReplyTo  string
	References []string
	Body       string
	Date       time.Time
}

// send replies to or forwards the message id, keeping it in its thread.
func (s *Store) send(ctx context.Context, id string, a types.ActionSpec) error {
	op := string(a.Kind)
	orig, err := s.svc.Users.Messages.Get(s.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return classify(op, err)
	}
	h := map[string]string{}
	if orig.Payload != nil {
		h = headerMap(orig.Payload.Headers)
	}

	var out outgoing
	switch a.Kind {
	case types.ActionReply:
		out, err = replyTo(h, a.Template)
	case types.ActionForward:
		body := ""
		if orig.Payload != nil {
			body = extractBody(orig.Payload)
		}
		out, err = forwardOf(h, body, a.Template, a.Recipients)
	default:
		err = fmt.Errorf("cannot send %q", a.Kind)
	}
	if err != nil {
		return failure.Wrap(op, failure.Permanent, err)
	}
	out.From = s.From
	out.Date = time.Now()

	raw, err := out.compose()
	if err != nil {
		return failure.Wrap(op, failure.Permanent, err)
	}
	msg := &gm.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if a.Kind == types.ActionReply {
		msg.ThreadId = orig.ThreadId
	}
	_, err = s.svc.Users.Messages.Send(s.user, msg).Context(ctx).Do()
	return classify(op, err)
}

func replyTo(h map[string]string, text string) (outgoing, error) {
	if strings.TrimSpace(text) == "" {
		return outgoing{}, fmt.Errorf("reply has no content")
	}
	to := h["reply-to"]
	if to == "" {
		to = h["from"]
	}
	rcpt := splitAddrs(to)
	if len(rcpt) == 0 {
		return outgoing{}, fmt.Errorf("original has no sender")
	}
	subject := h["subject"]
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	out := outgoing{To: rcpt, Subject: subject, Body: text}
	if id := strings.Trim(h["message-id"], "<> "); id != "" {
		out.InReplyTo = id
		out.References = append(strings.Fields(strings.NewReplacer("<", "", ">", "").Replace(h["references"])), id)
	}
	return out, nil
}

func forwardOf(h map[string]string, body, note string, to []string) (outgoing, error) {
	if len(to) == 0 {
		return outgoing{}, fmt.Errorf("forward has no recipients")
	}
	subject := h["subject"]
	if !strings.HasPrefix(strings.ToLower(subject), "fwd:") {
		subject = "Fwd: " + subject
	}
	var b strings.Builder
	if note != "" {
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded message ---------\n")
	fmt.Fprintf(&b, "From: %s\nDate: %s\nSubject: %s\nTo: %s\n\n", h["from"], h["date"], h["subject"], h["to"])
	b.WriteString(body)
	return outgoing{To: to, Subject: subject, Body: b.String()}, nil
}

// compose renders o as an RFC 5322 message.
func (o outgoing) compose() ([]byte, error) {
	var h mail.Header
	h.SetDate(o.Date)
	h.SetSubject(o.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if o.From != "" {
		from, err := mail.ParseAddress(o.From)
		if err != nil {
			return nil, fmt.Errorf("parse from: %w", err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}
	to := make([]*mail.Address, 0, len(o.To))
	for _, addr := range o.To {
		a, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", addr, err)
		}
		to = append(to, a)
	}
	h.SetAddressList("To", to)
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{o.InReplyTo})
		h.SetMsgIDList("References", o.References)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, o.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
