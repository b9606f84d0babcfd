// Package policy decides what happens when an action targets a folder that
// does not exist yet.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/types"
)

// Policy is the per-account handling of missing folders.
type Policy string

const (
	AutoCreate  Policy = "auto_create"
	Queue       Policy = "queue"
	Interactive Policy = "interactive"
)

// Parse validates a policy name. An empty name selects Queue.
func Parse(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	p = Policy(strings.ReplaceAll(string(p), "-", "_"))
	switch p {
	case "":
		return Queue, nil
	case AutoCreate, Queue, Interactive:
		return p, nil
	}
	return "", fmt.Errorf("unknown folder policy %q (valid: auto_create, queue, interactive)", s)
}

// Folder is the folder policy of one account.
type Folder struct {
	Policy          Policy
	NotifyOnPending bool
}

// Outcome is what the executor should do with an action.
type Outcome int

const (
	// Proceed: the folder exists, run the action.
	Proceed Outcome = iota
	// Create the folder, then run the action.
	Create
	// Defer the action into the pending queue.
	Defer
	// Ask the Confirmer whether to create the folder.
	Ask
)

func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Create:
		return "create"
	case Defer:
		return "queue"
	case Ask:
		return "interactive"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Confirmer asks the user whether a missing folder should be created.
type Confirmer interface {
	ConfirmCreate(ctx context.Context, account, folder string, it types.Item) (bool, error)
}

// Notifier is told about actions queued on a missing folder.
type Notifier interface {
	FolderPending(ctx context.Context, account, folder string, it types.Item)
}

// Resolver maps accounts to folder policies. It is read-only once built.
type Resolver struct {
	def      Folder
	accounts map[string]Folder
	override Policy
	confirm  Confirmer
	notify   Notifier
}

// NewResolver creates a resolver with def for accounts not in accounts.
func NewResolver(def Folder, accounts map[string]Folder) *Resolver {
	if def.Policy == "" {
		def.Policy = Queue
	}
	m := make(map[string]Folder, len(accounts))
	for k, v := range accounts {
		if v.Policy == "" {
			v.Policy = def.Policy
		}
		m[k] = v
	}
	return &Resolver{def: def, accounts: m, notify: LogNotifier{Logger: log.Logger}}
}

// WithConfirmer returns a copy that asks c for interactive decisions.
func (r *Resolver) WithConfirmer(c Confirmer) *Resolver {
	cp := *r
	cp.confirm = c
	return &cp
}

// WithNotifier returns a copy that reports queued folders to n.
func (r *Resolver) WithNotifier(n Notifier) *Resolver {
	cp := *r
	cp.notify = n
	return &cp
}

// WithOverride returns a copy in which p applies to every account. It backs
// the --auto-create and --interactive run flags.
func (r *Resolver) WithOverride(p Policy) *Resolver {
	cp := *r
	cp.override = p
	return &cp
}

// For returns the folder policy of account.
func (r *Resolver) For(account string) Folder {
	f, ok := r.accounts[account]
	if !ok {
		f = r.def
	}
	if r.override != "" {
		f.Policy = r.override
	}
	return f
}

// Resolve decides what to do for a move into a folder of account.
func (r *Resolver) Resolve(account string, exists bool) Outcome {
	if exists {
		return Proceed
	}
	switch r.For(account).Policy {
	case AutoCreate:
		return Create
	case Interactive:
		if r.confirm == nil {
			return Defer
		}
		return Ask
	}
	return Defer
}

// Confirm asks the Confirmer. Without one the answer is no.
func (r *Resolver) Confirm(ctx context.Context, account, folder string, it types.Item) (bool, error) {
	if r.confirm == nil {
		return false, nil
	}
	return r.confirm.ConfirmCreate(ctx, account, folder, it)
}

// Queued reports a queued action to the notifier when the account asks for it.
func (r *Resolver) Queued(ctx context.Context, account, folder string, it types.Item) {
	if r.notify != nil && r.For(account).NotifyOnPending {
		r.notify.FolderPending(ctx, account, folder, it)
	}
}

// LogNotifier writes queued-folder notices to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

// FolderPending implements Notifier.
func (n LogNotifier) FolderPending(_ context.Context, account, folder string, it types.Item) {
	n.Logger.Info().Str("account", account).Str("folder", folder).Str("item", it.ID).
		Str("subject", it.Subject).
		Msg("action waiting for folder, create it and run `mp replay`")
}
