// Package command implements a message store backed by an external helper
// program, for host applications that have no Go client (Apple Mail via
// osascript, Outlook, a maildir script).
//
// Every call runs the helper once with a JSON request on stdin:
//
//	{"op": "fetch", "account": "work", "mailbox": "INBOX", "since": "2024-05-01T00:00:00Z"}
//
// and reads a JSON response from stdout. Exit code 75 reports a transient
// failure and 76 a stale item reference.
package command

import (
	"context"
	"time"

	"github.com/daviddao/mailpilot/internal/external"
	"github.com/daviddao/mailpilot/internal/types"
)

// Operations sent to the helper.
const (
	OpFetch        = "fetch"
	OpExecute      = "execute"
	OpCreateFolder = "create_folder"
	OpFolders      = "folders"
	OpRefresh      = "refresh"
	OpExists       = "exists"
)

// Request is the helper's stdin document.
type Request struct {
	Op      string            `json:"op"`
	Account string            `json:"account,omitempty"`
	Mailbox string            `json:"mailbox,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Item    *types.Item       `json:"item,omitempty"`
	ItemID  string            `json:"item_id,omitempty"`
	Action  *types.ActionSpec `json:"action,omitempty"`
	Folder  string            `json:"folder,omitempty"`
}

// Response is the helper's stdout document. Fields are filled per op.
type Response struct {
	Items   []types.Item `json:"items,omitempty"`
	Item    *types.Item  `json:"item,omitempty"`
	Folders []string     `json:"folders,omitempty"`
	Exists  *bool        `json:"exists,omitempty"`
}

// Store runs Argv for every operation.
type Store struct {
	Argv []string
}

// New creates a command store.
func New(argv []string) *Store {
	return &Store{Argv: argv}
}

func (s *Store) call(ctx context.Context, req Request) (*Response, error) {
	var resp Response
	if err := external.Run(ctx, s.Argv, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch implements mailstore.Store.
func (s *Store) Fetch(ctx context.Context, account, mailbox string, since time.Time) ([]types.Item, error) {
	req := Request{Op: OpFetch, Account: account, Mailbox: mailbox}
	if !since.IsZero() {
		req.Since = &since
	}
	resp, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Execute implements mailstore.Store.
func (s *Store) Execute(ctx context.Context, it types.Item, a types.ActionSpec) error {
	_, err := s.call(ctx, Request{Op: OpExecute, Account: it.Account, Item: &it, Action: &a})
	return err
}

// CreateFolder implements mailstore.Store.
func (s *Store) CreateFolder(ctx context.Context, account, name string) error {
	_, err := s.call(ctx, Request{Op: OpCreateFolder, Account: account, Folder: name})
	return err
}

// Folders implements mailstore.Store.
func (s *Store) Folders(ctx context.Context, account string) ([]string, error) {
	resp, err := s.call(ctx, Request{Op: OpFolders, Account: account})
	if err != nil {
		return nil, err
	}
	return resp.Folders, nil
}

// Refresh implements mailstore.Refresher.
func (s *Store) Refresh(ctx context.Context, it types.Item) (types.Item, error) {
	resp, err := s.call(ctx, Request{Op: OpRefresh, Account: it.Account, Item: &it})
	if err != nil {
		return it, err
	}
	if resp.Item == nil {
		return it, nil
	}
	return *resp.Item, nil
}

// Exists implements mailstore.Checker. A helper that does not answer is
// assumed to mean the item still exists.
func (s *Store) Exists(ctx context.Context, account, itemID string) (bool, error) {
	resp, err := s.call(ctx, Request{Op: OpExists, Account: account, ItemID: itemID})
	if err != nil {
		return true, err
	}
	if resp.Exists == nil {
		return true, nil
	}
	return *resp.Exists, nil
}
