package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/mailpilot/internal/types"
)

const pendingColumns = `id, item_id, account, folder, mailbox, ref, sender, subject,
	action_spec, secondary_spec, confidence, reasoning, source, reason, status,
	created_at, updated_at`

// ErrPendingNotFound is returned when no pending action matches an id.
var ErrPendingNotFound = errors.New("pending action not found")

// PendingFilter selects pending actions. Zero fields match everything.
type PendingFilter struct {
	Account  string
	Statuses []types.PendingStatus
	Reasons  []types.Reason
	Limit    int
}

// EnqueuePending inserts p unless an entry for (account, folder, item_id)
// already exists. It reports whether a row was created. ID and CreatedAt are
// filled in when empty.
func (d *DB) EnqueuePending(ctx context.Context, p *types.PendingAction) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt == "" {
		p.CreatedAt = Now()
	}
	if p.Status == "" {
		p.Status = types.PendingStatusPending
	}
	res, err := d.conn.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO pending_actions (`+pendingColumns+`)
		VALUES (:id, :item_id, :account, :folder, :mailbox, :ref, :sender, :subject,
		        :action_spec, :secondary_spec, :confidence, :reasoning, :source, :reason, :status,
		        :created_at, :updated_at)`, p)
	if err != nil {
		return false, fmt.Errorf("enqueue pending %s: %w", p.ItemID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListPending returns pending actions matching f, oldest first.
func (d *DB) ListPending(ctx context.Context, f PendingFilter) ([]*types.PendingAction, error) {
	query := "SELECT " + pendingColumns + " FROM pending_actions"

	var conditions []string
	var args []any
	if f.Account != "" {
		conditions = append(conditions, "account = ?")
		args = append(args, f.Account)
	}
	if len(f.Statuses) > 0 {
		conditions = append(conditions, "status IN (?"+strings.Repeat(", ?", len(f.Statuses)-1)+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Reasons) > 0 {
		conditions = append(conditions, "reason IN (?"+strings.Repeat(", ?", len(f.Reasons)-1)+")")
		for _, r := range f.Reasons {
			args = append(args, string(r))
		}
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var result []*types.PendingAction
	if err := d.conn.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return result, nil
}

// GetPending returns a pending action by id. A unique id prefix is accepted.
func (d *DB) GetPending(ctx context.Context, id string) (*types.PendingAction, error) {
	p := &types.PendingAction{}
	err := d.conn.GetContext(ctx, p, "SELECT "+pendingColumns+" FROM pending_actions WHERE id = ?", id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get pending %s: %w", id, err)
	}

	var matches []*types.PendingAction
	if err := d.conn.SelectContext(ctx, &matches,
		"SELECT "+pendingColumns+" FROM pending_actions WHERE id LIKE ?", id+"%"); err != nil {
		return nil, fmt.Errorf("get pending %s: %w", id, err)
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrPendingNotFound, id)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("ambiguous ID %q, matches: %s", id, strings.Join(ids, ", "))
	}
}

// SetPendingStatus updates the review status of a pending action.
func (d *DB) SetPendingStatus(ctx context.Context, id string, status types.PendingStatus) error {
	res, err := d.conn.ExecContext(ctx,
		"UPDATE pending_actions SET status = ?, updated_at = ? WHERE id = ?",
		string(status), Now(), id,
	)
	if err != nil {
		return fmt.Errorf("update pending %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrPendingNotFound, id)
	}
	return nil
}

// DeletePending removes a pending action.
func (d *DB) DeletePending(ctx context.Context, id string) error {
	if _, err := d.conn.ExecContext(ctx, "DELETE FROM pending_actions WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete pending %s: %w", id, err)
	}
	return nil
}

// HasPending reports whether itemID has a pending entry in any of statuses,
// or in any status when none are given.
func (d *DB) HasPending(ctx context.Context, itemID string, statuses ...types.PendingStatus) (bool, error) {
	query := "SELECT COUNT(*) FROM pending_actions WHERE item_id = ?"
	args := []any{itemID}
	if len(statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	var n int
	if err := d.conn.GetContext(ctx, &n, query, args...); err != nil {
		return false, fmt.Errorf("check pending %s: %w", itemID, err)
	}
	return n > 0, nil
}

// PendingFolders returns missing folders with the count of actions waiting
// on each, grouped by folder and the account the folder is needed in.
func (d *DB) PendingFolders(ctx context.Context) ([]types.PendingFolder, error) {
	var result []types.PendingFolder
	err := d.conn.SelectContext(ctx, &result, `
		SELECT folder,
		       COALESCE(NULLIF(json_extract(action_spec, '$.target_account'), ''), account) AS account,
		       COUNT(*) AS count
		FROM pending_actions
		WHERE reason = 'missing_folder' AND status != 'rejected'
		GROUP BY 1, 2
		ORDER BY count DESC, folder ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending folders: %w", err)
	}
	return result, nil
}

// DeleteRejectedBefore removes rejected entries last updated before cutoff.
func (d *DB) DeleteRejectedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM pending_actions
		WHERE status = 'rejected'
		  AND COALESCE(NULLIF(updated_at, ''), created_at) < ?`, Timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete rejected: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
