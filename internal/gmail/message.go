package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailpilot/internal/types"
)

// toItem converts a full-format message. The Gmail id is both the dedup key
// and the handle; it does not change when labels move.
func toItem(msg *gm.Message) types.Item {
	var h map[string]string
	if msg.Payload != nil {
		h = headerMap(msg.Payload.Headers)
	}
	it := types.Item{
		ID:         msg.Id,
		Ref:        msg.Id,
		Sender:     h["from"],
		Recipients: splitAddrs(h["to"], h["cc"]),
		Subject:    defaultStr(h["subject"], "(no subject)"),
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		Read:       true,
	}
	for _, l := range msg.LabelIds {
		switch l {
		case labelUnread:
			it.Read = false
		case labelStarred:
			it.Flagged = true
		}
	}
	if msg.Payload != nil {
		it.Body = extractBody(msg.Payload)
	}
	if it.Body == "" {
		it.Body = msg.Snippet
	}
	return it
}

// extractBody returns the text/plain body, falling back to text/html.
// Multipart payloads are searched depth first.
func extractBody(p *gm.MessagePart) string {
	if body := findPart(p, "text/plain"); body != "" {
		return body
	}
	return findPart(p, "text/html")
}

func findPart(p *gm.MessagePart, mimeType string) string {
	if len(p.Parts) == 0 {
		if !strings.HasPrefix(p.MimeType, mimeType) || p.Body == nil || p.Body.Data == "" {
			return ""
		}
		s, err := decodeBase64URL(p.Body.Data)
		if err != nil {
			return ""
		}
		return s
	}
	for _, part := range p.Parts {
		if part.Filename != "" {
			continue
		}
		if s := findPart(part, mimeType); s != "" {
			return s
		}
	}
	return ""
}

// headerMap keys headers by lowercased name; the first occurrence wins.
func headerMap(headers []*gm.MessagePartHeader) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		k := strings.ToLower(h.Name)
		if _, ok := m[k]; !ok {
			m[k] = h.Value
		}
	}
	return m
}

// decodeBase64URL decodes Gmail's base64url content, padded or not.
func decodeBase64URL(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// splitAddrs parses address list headers into bare addresses. Lists that do
// not parse are split on commas.
func splitAddrs(lists ...string) []string {
	var out []string
	for _, l := range lists {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if addrs, err := mail.ParseAddressList(l); err == nil {
			for _, a := range addrs {
				out = append(out, a.Address)
			}
			continue
		}
		for _, a := range strings.Split(l, ",") {
			if a = strings.TrimSpace(a); a != "" {
				out = append(out, a)
			}
		}
	}
	return out
}

func defaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
