// Package gmail is the Gmail API message store. Labels play the role of
// folders: move adds the target label and removes INBOX, archive only
// removes INBOX.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	gm "google.golang.org/api/gmail/v1"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

const (
	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
)

// Store acts on one Gmail account. The account argument of the store
// methods is ignored; mailstore.Multi routes by account.
type Store struct {
	svc  *gm.Service
	user string
	// From is the address used on outgoing replies and forwards. Gmail
	// rewrites it to the authenticated user when empty.
	From string

	mu     sync.Mutex
	labels map[string]string // name -> id
}

// New wraps an authenticated service.
func New(svc *gm.Service) *Store {
	return &Store{svc: svc, user: "me"}
}

// Fetch lists messages in mailbox received after since. Messages that
// vanish between list and get are skipped.
func (s *Store) Fetch(ctx context.Context, _, mailbox string, since time.Time) ([]types.Item, error) {
	q := "in:" + labelQuery(mailbox)
	if !since.IsZero() {
		q += fmt.Sprintf(" after:%d", since.Unix())
	}

	var ids []string
	err := s.svc.Users.Messages.List(s.user).Q(q).MaxResults(500).Pages(ctx, func(resp *gm.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list messages", err)
	}

	items := make([]types.Item, 0, len(ids))
	for _, id := range ids {
		msg, err := s.svc.Users.Messages.Get(s.user, id).Format("full").Context(ctx).Do()
		if err != nil {
			if failure.IsStale(classify("get message", err)) {
				continue
			}
			return items, classify("get message "+id, err)
		}
		it := toItem(msg)
		it.Mailbox = mailbox
		items = append(items, it)
	}
	return items, nil
}

// Execute performs a. Reminders and calendar events are not supported by
// this store.
func (s *Store) Execute(ctx context.Context, it types.Item, a types.ActionSpec) error {
	id := it.Ref
	if id == "" {
		id = it.ID
	}
	switch a.Kind {
	case types.ActionMove:
		labelID, err := s.labelID(ctx, a.Folder)
		if err != nil {
			return err
		}
		return s.modify(ctx, id, []string{labelID}, []string{labelInbox})
	case types.ActionArchive:
		return s.modify(ctx, id, nil, []string{labelInbox})
	case types.ActionDelete:
		_, err := s.svc.Users.Messages.Trash(s.user, id).Context(ctx).Do()
		return classify("trash", err)
	case types.ActionFlag:
		return s.modify(ctx, id, []string{labelStarred}, nil)
	case types.ActionUnflag:
		return s.modify(ctx, id, nil, []string{labelStarred})
	case types.ActionMarkRead:
		return s.modify(ctx, id, nil, []string{labelUnread})
	case types.ActionMarkUnread:
		return s.modify(ctx, id, []string{labelUnread}, nil)
	case types.ActionReply, types.ActionForward:
		return s.send(ctx, id, a)
	case types.ActionCreateReminder, types.ActionCreateEvent:
		return failure.Permanentf(string(a.Kind), "not supported by the gmail store")
	case types.ActionIgnore:
		return nil
	}
	return failure.Permanentf("execute", "unknown action %q", a.Kind)
}

// Folders returns the names of all labels, system labels included.
func (s *Store) Folders(ctx context.Context, _ string) ([]string, error) {
	labels, err := s.loadLabels(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names, nil
}

// CreateFolder creates a user label. An existing label is not an error.
func (s *Store) CreateFolder(ctx context.Context, _, name string) error {
	l, err := s.svc.Users.Labels.Create(s.user, &gm.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			s.resetLabels()
			return nil
		}
		return classify("create label", err)
	}
	s.mu.Lock()
	if s.labels != nil {
		s.labels[l.Name] = l.Id
	}
	s.mu.Unlock()
	return nil
}

// Exists reports whether the message is still in the mailbox.
func (s *Store) Exists(ctx context.Context, _, itemID string) (bool, error) {
	_, err := s.svc.Users.Messages.Get(s.user, itemID).Format("minimal").Context(ctx).Do()
	if err == nil {
		return true, nil
	}
	if err = classify("get message", err); failure.IsStale(err) {
		return false, nil
	}
	return false, err
}

func (s *Store) modify(ctx context.Context, id string, add, remove []string) error {
	_, err := s.svc.Users.Messages.Modify(s.user, id, &gm.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return classify("modify labels", err)
}

func (s *Store) labelID(ctx context.Context, name string) (string, error) {
	labels, err := s.loadLabels(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := labels[name]; ok {
		return id, nil
	}
	for n, id := range labels {
		if strings.EqualFold(n, name) {
			return id, nil
		}
	}
	return "", failure.Permanentf("move", "label %q not found", name)
}

func (s *Store) loadLabels(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.labels != nil {
		return s.labels, nil
	}
	resp, err := s.svc.Users.Labels.List(s.user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	s.labels = make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		s.labels[l.Name] = l.Id
	}
	return s.labels, nil
}

func (s *Store) resetLabels() {
	s.mu.Lock()
	s.labels = nil
	s.mu.Unlock()
}

// labelQuery turns a mailbox name into a Gmail search term.
func labelQuery(mailbox string) string {
	if mailbox == "" || strings.EqualFold(mailbox, labelInbox) {
		return "inbox"
	}
	r := strings.NewReplacer(" ", "-", "/", "-")
	return r.Replace(strings.ToLower(mailbox))
}

// classify maps Gmail API errors onto failure kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return failure.Wrap(op, failure.Stale, err)
		case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
			return failure.Wrap(op, failure.Transient, err)
		default:
			return failure.Wrap(op, failure.Permanent, err)
		}
	}
	return failure.Wrap(op, failure.KindOf(err), err)
}
