// Package imapstore is the IMAP message store. Each call opens its own
// session; accounts are routed to stores by mailstore.Multi.
package imapstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

// DefaultArchiveFolder receives archived messages.
const DefaultArchiveFolder = "Archive"

// Config describes one IMAP account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// StartTLS upgrades a plain connection instead of dialing TLS.
	StartTLS      bool
	ArchiveFolder string
}

// Store acts on one IMAP account.
type Store struct {
	cfg Config
}

// New creates a store. No connection is made until the first call.
func New(cfg Config) *Store {
	if cfg.Port == 0 {
		cfg.Port = 993
		if cfg.StartTLS {
			cfg.Port = 143
		}
	}
	if cfg.ArchiveFolder == "" {
		cfg.ArchiveFolder = DefaultArchiveFolder
	}
	return &Store{cfg: cfg}
}

// session dials, logs in, runs fn and logs out. The connection is closed
// if ctx ends first, which unblocks any pending command.
func (s *Store) session(ctx context.Context, op string, fn func(c *imapclient.Client) error) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var (
		c   *imapclient.Client
		err error
	)
	if s.cfg.StartTLS {
		c, err = imapclient.DialStartTLS(addr, nil)
	} else {
		c, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return failure.Wrap(op, failure.Transient, fmt.Errorf("connect %s: %w", addr, err))
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	defer c.Close()

	if err := c.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		if ctx.Err() != nil {
			return failure.Wrap(op, failure.Transient, ctx.Err())
		}
		return failure.Wrap(op, failure.Permanent, fmt.Errorf("login %s: %w", s.cfg.Username, err))
	}
	err = fn(c)
	if ctx.Err() != nil && err != nil {
		return failure.Wrap(op, failure.Transient, ctx.Err())
	}
	_ = c.Logout().Wait()
	return classify(op, err)
}

// Fetch returns messages in mailbox received on or after since's date.
// Bodies are fetched with PEEK so \Seen is untouched.
func (s *Store) Fetch(ctx context.Context, _, mailbox string, since time.Time) ([]types.Item, error) {
	var items []types.Item
	err := s.session(ctx, "fetch", func(c *imapclient.Client) error {
		sel, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return fmt.Errorf("select %s: %w", mailbox, err)
		}
		criteria := &imap.SearchCriteria{}
		if !since.IsZero() {
			criteria.Since = since
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", mailbox, err)
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			Flags:        true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetch %s: %w", mailbox, err)
		}
		for _, b := range bufs {
			it := toItem(b, b.FindBodySection(section), mailbox, sel.UIDValidity)
			// SINCE has day granularity; trim to the exact window.
			if !since.IsZero() && it.ReceivedAt.Before(since) {
				continue
			}
			items = append(items, it)
		}
		return nil
	})
	return items, err
}

// Execute performs a. Sending mail, reminders and events are not supported
// over IMAP.
func (s *Store) Execute(ctx context.Context, it types.Item, a types.ActionSpec) error {
	switch a.Kind {
	case types.ActionIgnore:
		return nil
	case types.ActionReply, types.ActionForward, types.ActionCreateReminder, types.ActionCreateEvent:
		return failure.Permanentf(string(a.Kind), "not supported by the imap store")
	}
	r, err := parseRef(it.Ref)
	if err != nil {
		return failure.Wrap(string(a.Kind), failure.Permanent, err)
	}
	return s.session(ctx, string(a.Kind), func(c *imapclient.Client) error {
		if err := s.selectRef(c, r); err != nil {
			return err
		}
		set := imap.UIDSetNum(r.UID)
		switch a.Kind {
		case types.ActionMove:
			_, err := c.Move(set, a.Folder).Wait()
			return err
		case types.ActionArchive:
			_, err := c.Move(set, s.cfg.ArchiveFolder).Wait()
			return err
		case types.ActionDelete:
			if err := storeFlag(c, set, imap.FlagDeleted, true); err != nil {
				return err
			}
			return c.Expunge().Close()
		case types.ActionFlag, types.ActionUnflag:
			return storeFlag(c, set, imap.FlagFlagged, a.Kind == types.ActionFlag)
		case types.ActionMarkRead, types.ActionMarkUnread:
			return storeFlag(c, set, imap.FlagSeen, a.Kind == types.ActionMarkRead)
		}
		return failure.Permanentf("execute", "unknown action %q", a.Kind)
	})
}

// Folders lists every mailbox.
func (s *Store) Folders(ctx context.Context, _ string) ([]string, error) {
	var names []string
	err := s.session(ctx, "list folders", func(c *imapclient.Client) error {
		list, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}
		for _, l := range list {
			names = append(names, l.Mailbox)
		}
		return nil
	})
	return names, err
}

// CreateFolder creates a mailbox. An existing one is not an error.
func (s *Store) CreateFolder(ctx context.Context, _, name string) error {
	return s.session(ctx, "create folder", func(c *imapclient.Client) error {
		err := c.Create(name, nil).Wait()
		var ierr *imap.Error
		if errors.As(err, &ierr) && ierr.Code == imap.ResponseCodeAlreadyExists {
			return nil
		}
		return err
	})
}

// Refresh finds the item again by its Message-ID after its UID went stale.
func (s *Store) Refresh(ctx context.Context, it types.Item) (types.Item, error) {
	if !strings.HasPrefix(it.ID, "<") {
		return it, failure.Permanentf("refresh", "item %s has no Message-ID", it.ID)
	}
	mailbox := it.Mailbox
	if r, err := parseRef(it.Ref); err == nil {
		mailbox = r.Mailbox
	}
	out := it
	err := s.session(ctx, "refresh", func(c *imapclient.Client) error {
		sel, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
		if err != nil {
			return err
		}
		data, err := c.UIDSearch(&imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: it.ID}},
		}, nil).Wait()
		if err != nil {
			return err
		}
		uids := data.AllUIDs()
		if len(uids) == 0 {
			return failure.Permanentf("refresh", "%s no longer in %s", it.ID, mailbox)
		}
		out.Ref = ref{Mailbox: mailbox, Validity: sel.UIDValidity, UID: uids[len(uids)-1]}.String()
		return nil
	})
	return out, err
}

// selectRef selects the ref's mailbox and fails with a stale error when the
// UID no longer resolves.
func (s *Store) selectRef(c *imapclient.Client, r ref) error {
	sel, err := c.Select(r.Mailbox, nil).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", r.Mailbox, err)
	}
	if r.Validity != 0 && sel.UIDValidity != r.Validity {
		return failure.Stalef("select", "uidvalidity of %s changed", r.Mailbox)
	}
	found, err := c.Fetch(imap.UIDSetNum(r.UID), &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return failure.Stalef("select", "uid %d no longer in %s", r.UID, r.Mailbox)
	}
	return nil
}

func storeFlag(c *imapclient.Client, set imap.UIDSet, flag imap.Flag, add bool) error {
	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}
	return c.Store(set, &imap.StoreFlags{Op: op, Silent: true, Flags: []imap.Flag{flag}}, nil).Close()
}

// classify maps IMAP and network errors onto failure kinds. Errors already
// classified keep their kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	var ierr *imap.Error
	if errors.As(err, &ierr) {
		switch ierr.Code {
		case imap.ResponseCodeUnavailable, imap.ResponseCodeInUse:
			return failure.Wrap(op, failure.Transient, err)
		}
		return failure.Wrap(op, failure.Permanent, err)
	}
	return failure.Wrap(op, failure.KindOf(err), err)
}
