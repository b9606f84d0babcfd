// Package mailstore defines the message store contract consumed by the
// executor and the cycle runner, and routes accounts to concrete adapters.
package mailstore

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

// Store fetches items and performs actions on them. Errors should be
// classified with the failure package; unclassified errors are treated as
// permanent.
type Store interface {
	Fetch(ctx context.Context, account, mailbox string, since time.Time) ([]types.Item, error)
	Execute(ctx context.Context, it types.Item, a types.ActionSpec) error
	CreateFolder(ctx context.Context, account, name string) error
	Folders(ctx context.Context, account string) ([]string, error)
}

// Refresher re-resolves an item whose handle went stale.
type Refresher interface {
	Refresh(ctx context.Context, it types.Item) (types.Item, error)
}

// Checker reports whether an item still exists upstream.
type Checker interface {
	Exists(ctx context.Context, account, itemID string) (bool, error)
}

// ErrNotSupported is returned by optional operations an adapter lacks.
var ErrNotSupported = errors.New("operation not supported by this store")

// Multi routes each account to its own store.
type Multi struct {
	stores map[string]Store
}

// NewMulti creates a router over stores keyed by account name.
func NewMulti(stores map[string]Store) *Multi {
	m := make(map[string]Store, len(stores))
	for k, v := range stores {
		m[k] = v
	}
	return &Multi{stores: m}
}

// Accounts returns the routed account names, sorted.
func (m *Multi) Accounts() []string {
	out := make([]string, 0, len(m.stores))
	for k := range m.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Multi) route(account string) (Store, error) {
	s, ok := m.stores[account]
	if !ok {
		return nil, failure.Permanentf("route", "no store configured for account %q", account)
	}
	return s, nil
}

// Fetch implements Store.
func (m *Multi) Fetch(ctx context.Context, account, mailbox string, since time.Time) ([]types.Item, error) {
	s, err := m.route(account)
	if err != nil {
		return nil, err
	}
	items, err := s.Fetch(ctx, account, mailbox, since)
	for i := range items {
		if items[i].Account == "" {
			items[i].Account = account
		}
		if items[i].Mailbox == "" {
			items[i].Mailbox = mailbox
		}
	}
	return items, err
}

// Execute implements Store. Actions naming another account are not
// supported across adapters; the item's own account decides the route.
func (m *Multi) Execute(ctx context.Context, it types.Item, a types.ActionSpec) error {
	s, err := m.route(it.Account)
	if err != nil {
		return err
	}
	return s.Execute(ctx, it, a)
}

// CreateFolder implements Store.
func (m *Multi) CreateFolder(ctx context.Context, account, name string) error {
	s, err := m.route(account)
	if err != nil {
		return err
	}
	return s.CreateFolder(ctx, account, name)
}

// Folders implements Store.
func (m *Multi) Folders(ctx context.Context, account string) ([]string, error) {
	s, err := m.route(account)
	if err != nil {
		return nil, err
	}
	return s.Folders(ctx, account)
}

// Refresh implements Refresher when the account's store does.
func (m *Multi) Refresh(ctx context.Context, it types.Item) (types.Item, error) {
	s, err := m.route(it.Account)
	if err != nil {
		return it, err
	}
	r, ok := s.(Refresher)
	if !ok {
		return it, ErrNotSupported
	}
	return r.Refresh(ctx, it)
}

// Exists implements Checker when the account's store does.
func (m *Multi) Exists(ctx context.Context, account, itemID string) (bool, error) {
	s, err := m.route(account)
	if err != nil {
		return true, err
	}
	c, ok := s.(Checker)
	if !ok {
		return true, ErrNotSupported
	}
	return c.Exists(ctx, account, itemID)
}

// Close closes every store that holds a connection.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.stores {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
