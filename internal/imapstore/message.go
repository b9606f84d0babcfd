package imapstore

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/daviddao/mailpilot/internal/types"
)

// ref is the handle of a message: mailbox, UIDVALIDITY and UID. It is
// written as "<mailbox>/<uidvalidity>/<uid>"; the mailbox may itself
// contain slashes.
type ref struct {
	Mailbox  string
	Validity uint32
	UID      imap.UID
}

func (r ref) String() string {
	return fmt.Sprintf("%s/%d/%d", r.Mailbox, r.Validity, r.UID)
}

func parseRef(s string) (ref, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 {
		return ref{}, fmt.Errorf("malformed imap ref %q", s)
	}
	uid, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return ref{}, fmt.Errorf("malformed imap ref %q", s)
	}
	rest := s[:i]
	j := strings.LastIndexByte(rest, '/')
	if j <= 0 {
		return ref{}, fmt.Errorf("malformed imap ref %q", s)
	}
	validity, err := strconv.ParseUint(rest[j+1:], 10, 32)
	if err != nil {
		return ref{}, fmt.Errorf("malformed imap ref %q", s)
	}
	return ref{Mailbox: rest[:j], Validity: uint32(validity), UID: imap.UID(uid)}, nil
}

// toItem converts a fetched message. The Message-ID is the dedup key so an
// item keeps its identity when it moves between mailboxes.
func toItem(b *imapclient.FetchMessageBuffer, raw []byte, mailbox string, validity uint32) types.Item {
	r := ref{Mailbox: mailbox, Validity: validity, UID: b.UID}
	it := types.Item{
		Ref:        r.String(),
		Mailbox:    mailbox,
		ReceivedAt: b.InternalDate.UTC(),
	}
	if env := b.Envelope; env != nil {
		if env.MessageID != "" {
			it.ID = "<" + strings.Trim(env.MessageID, "<>") + ">"
		}
		it.Subject = env.Subject
		if len(env.From) > 0 {
			it.Sender = formatAddr(env.From[0])
		}
		for _, a := range append(append([]imap.Address(nil), env.To...), env.Cc...) {
			it.Recipients = append(it.Recipients, a.Addr())
		}
		if it.ReceivedAt.IsZero() {
			it.ReceivedAt = env.Date.UTC()
		}
	}
	if it.ID == "" {
		it.ID = r.String()
	}
	for _, f := range b.Flags {
		switch f {
		case imap.FlagSeen:
			it.Read = true
		case imap.FlagFlagged:
			it.Flagged = true
		}
	}
	if raw != nil {
		it.Body = bodyText(raw)
	}
	return it
}

func formatAddr(a imap.Address) string {
	if a.Name == "" {
		return a.Addr()
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Addr())
}

// bodyText returns the text/plain part of a message, falling back to
// text/html. Attachments are skipped.
func bodyText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	defer mr.Close()

	var html string
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain":
			return string(body)
		case ct == "text/html" && html == "":
			html = string(body)
		}
	}
	return html
}
