package imapstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

func TestRefRoundTrip(t *testing.T) {
	r := ref{Mailbox: "Work/Projects", Validity: 1700000000, UID: 42}
	got, err := parseRef(r.String())
	if err != nil {
		t.Fatalf("parseRef: %v", err)
	}
	if got != r {
		t.Fatalf("parseRef(%q) = %+v", r.String(), got)
	}

	for _, bad := range []string{"", "INBOX", "INBOX/42", "INBOX/x/42", "INBOX/1/0", "/1/2"} {
		if _, err := parseRef(bad); err == nil {
			t.Errorf("parseRef(%q) accepted", bad)
		}
	}
}

const rawMessage = "From: GitHub <noreply@github.com>\r\n" +
	"To: dev@example.com\r\n" +
	"Subject: PR merged\r\n" +
	"Message-ID: <abc@github.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>merged</p>\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"merged\r\n" +
	"--b1--\r\n"

func TestToItem(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := &imapclient.FetchMessageBuffer{
		UID:          7,
		Flags:        []imap.Flag{imap.FlagSeen},
		InternalDate: at,
		Envelope: &imap.Envelope{
			Subject:   "PR merged",
			MessageID: "abc@github.com",
			From:      []imap.Address{{Name: "GitHub", Mailbox: "noreply", Host: "github.com"}},
			To:        []imap.Address{{Mailbox: "dev", Host: "example.com"}},
		},
	}
	it := toItem(b, []byte(rawMessage), "INBOX", 99)

	want := types.Item{
		ID:         "<abc@github.com>",
		Ref:        "INBOX/99/7",
		Mailbox:    "INBOX",
		Sender:     "GitHub <noreply@github.com>",
		Recipients: []string{"dev@example.com"},
		Subject:    "PR merged",
		ReceivedAt: at,
		Read:       true,
	}
	if it.ID != want.ID || it.Ref != want.Ref || it.Sender != want.Sender || it.Subject != want.Subject {
		t.Fatalf("item = %+v", it)
	}
	if len(it.Recipients) != 1 || it.Recipients[0] != "dev@example.com" {
		t.Fatalf("recipients = %v", it.Recipients)
	}
	if !it.Read || it.Flagged || !it.ReceivedAt.Equal(at) {
		t.Fatalf("flags/date = %+v", it)
	}
	if it.Body != "merged\r\n" && it.Body != "merged" {
		t.Fatalf("body = %q", it.Body)
	}
}

func TestToItemWithoutMessageID(t *testing.T) {
	b := &imapclient.FetchMessageBuffer{UID: 3, Envelope: &imap.Envelope{Subject: "x"}}
	it := toItem(b, nil, "INBOX", 5)
	if it.ID != "INBOX/5/3" {
		t.Fatalf("fallback id = %q", it.ID)
	}
}

func TestClassify(t *testing.T) {
	unavailable := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeUnavailable, Text: "try later"}
	if !failure.IsTransient(classify("op", unavailable)) {
		t.Fatal("UNAVAILABLE not transient")
	}
	tryCreate := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeTryCreate, Text: "no such mailbox"}
	if !failure.IsPermanent(classify("op", tryCreate)) {
		t.Fatal("TRYCREATE not permanent")
	}
	stale := failure.Stalef("select", "gone")
	if !failure.IsStale(classify("op", stale)) {
		t.Fatal("stale kind lost")
	}
	if !failure.IsTransient(classify("op", context.DeadlineExceeded)) {
		t.Fatal("deadline not transient")
	}
	if classify("op", nil) != nil {
		t.Fatal("nil classified")
	}
}

func TestUnsupportedActions(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 1})
	for _, k := range []types.ActionKind{types.ActionReply, types.ActionForward, types.ActionCreateEvent} {
		err := s.Execute(context.Background(), types.Item{Ref: "INBOX/1/1"}, types.ActionSpec{Kind: k})
		if !failure.IsPermanent(err) {
			t.Errorf("%s: err = %v, want permanent", k, err)
		}
	}
	err := s.Execute(context.Background(), types.Item{Ref: "bogus"}, types.ActionSpec{Kind: types.ActionArchive})
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.Permanent {
		t.Fatalf("bad ref err = %v", err)
	}
}
