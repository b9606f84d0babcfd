// Package pending manages deferred actions: actions waiting for a missing
// folder or for a human to approve them.
package pending

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/executor"
	"github.com/daviddao/mailpilot/internal/types"
)

// Executor runs a replayed decision.
type Executor interface {
	Execute(ctx context.Context, d types.Decision, it types.Item, opts executor.Options) (types.Outcome, error)
}

// Queue is the pending-action queue.
type Queue struct {
	db   *db.DB
	exec Executor
	log  zerolog.Logger
}

// New creates a queue. exec may be nil when only list/approve/reject are used.
func New(d *db.DB, exec Executor, logger *zerolog.Logger) *Queue {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Queue{db: d, exec: exec, log: l.With().Str("component", "pending").Logger()}
}

// Enqueue adds p unless the same (account, folder, item) is already queued.
func (q *Queue) Enqueue(ctx context.Context, p *types.PendingAction) (bool, error) {
	return q.db.EnqueuePending(ctx, p)
}

// List returns queued actions, oldest first.
func (q *Queue) List(ctx context.Context, f db.PendingFilter) ([]*types.PendingAction, error) {
	return q.db.ListPending(ctx, f)
}

// Get returns one entry by id or unique id prefix.
func (q *Queue) Get(ctx context.Context, id string) (*types.PendingAction, error) {
	return q.db.GetPending(ctx, id)
}

// Folders returns missing folders with the number of actions waiting on each.
func (q *Queue) Folders(ctx context.Context) ([]types.PendingFolder, error) {
	return q.db.PendingFolders(ctx)
}

// Approve marks an entry for execution on the next replay.
func (q *Queue) Approve(ctx context.Context, id string) (*types.PendingAction, error) {
	return q.review(ctx, id, types.PendingStatusApproved)
}

// Reject marks an entry as declined. It stays for audit until swept.
func (q *Queue) Reject(ctx context.Context, id string) (*types.PendingAction, error) {
	return q.review(ctx, id, types.PendingStatusRejected)
}

func (q *Queue) review(ctx context.Context, id string, status types.PendingStatus) (*types.PendingAction, error) {
	p, err := q.db.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	if err := q.db.SetPendingStatus(ctx, p.ID, status); err != nil {
		return nil, err
	}
	p.Status = status

	details, _ := json.Marshal(map[string]any{"pending": p.ID, "action": p.Action.String(), "reason": p.Reason})
	action := "approve"
	if status == types.PendingStatusRejected {
		action = "reject"
	}
	if err := q.db.AppendHistory(ctx, &types.HistoryEntry{
		ItemID:  p.ItemID,
		Action:  action,
		Source:  "user",
		Details: string(details),
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// ReplayOptions selects what Replay re-attempts.
type ReplayOptions struct {
	// Account limits replay to one account and includes its unapproved
	// entries.
	Account string
	DryRun  bool
}

// ReplayResult summarises a replay.
type ReplayResult struct {
	Replayed int             `json:"replayed"`
	Executed int             `json:"executed"`
	Removed  int             `json:"removed"`
	Waiting  int             `json:"waiting"`
	Errors   int             `json:"errors"`
	Outcomes []types.Outcome `json:"outcomes,omitempty"`
}

// Replay re-runs queued actions through the executor. Without an account
// filter it takes approved entries plus entries waiting on a folder; with
// one it takes every open entry of that account. An entry is removed once its
// action has executed or turns out to be done already.
func (q *Queue) Replay(ctx context.Context, opts ReplayOptions) (*ReplayResult, error) {
	if q.exec == nil {
		return nil, fmt.Errorf("replay: no executor configured")
	}
	entries, err := q.selectReplay(ctx, opts.Account)
	if err != nil {
		return nil, err
	}

	// Folders may have been created since they were cached.
	invalidated := map[string]bool{}
	for _, p := range entries {
		account := p.FolderAccount()
		if p.Reason == types.ReasonMissingFolder && !invalidated[account] {
			invalidated[account] = true
			if err := q.db.InvalidateFolders(ctx, account); err != nil {
				return nil, err
			}
		}
	}

	res := &ReplayResult{}
	for _, p := range entries {
		if ctx.Err() != nil {
			break
		}
		res.Replayed++

		out, err := q.exec.Execute(context.WithoutCancel(ctx), p.Decision(), p.Item(),
			executor.Options{Approved: true, Replay: true, DryRun: opts.DryRun})
		if err != nil {
			return res, fmt.Errorf("replay %s: %w", p.ID, err)
		}
		res.Outcomes = append(res.Outcomes, out)

		l := q.log.With().Str("pending", p.ID).Str("item", p.ItemID).Str("action", p.Action.String()).Logger()
		switch out.Primary.Status {
		case types.StatusExecuted, types.StatusSkipped:
			if out.Primary.Status == types.StatusExecuted {
				res.Executed++
			}
			if opts.DryRun {
				continue
			}
			if err := q.db.DeletePending(ctx, p.ID); err != nil {
				return res, err
			}
			res.Removed++
			l.Info().Str("status", string(out.Primary.Status)).Msg("replayed, removed from queue")
		case types.StatusQueued:
			res.Waiting++
			l.Debug().Str("reason", string(out.Primary.Reason)).Msg("still waiting")
		default:
			res.Errors++
			l.Warn().Str("error", out.Primary.Error).Msg("replay failed, kept in queue")
		}
	}
	return res, nil
}

func (q *Queue) selectReplay(ctx context.Context, account string) ([]*types.PendingAction, error) {
	if account != "" {
		return q.db.ListPending(ctx, db.PendingFilter{
			Account:  account,
			Statuses: []types.PendingStatus{types.PendingStatusPending, types.PendingStatusApproved},
		})
	}
	approved, err := q.db.ListPending(ctx, db.PendingFilter{Statuses: []types.PendingStatus{types.PendingStatusApproved}})
	if err != nil {
		return nil, err
	}
	waiting, err := q.db.ListPending(ctx, db.PendingFilter{
		Statuses: []types.PendingStatus{types.PendingStatusPending},
		Reasons:  []types.Reason{types.ReasonMissingFolder},
	})
	if err != nil {
		return nil, err
	}
	return append(approved, waiting...), nil
}
