package db

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/mailpilot/internal/types"
)

// Processed reports whether (itemID, kind) already produced a side effect.
func (d *DB) Processed(ctx context.Context, itemID string, kind types.ActionKind) (bool, error) {
	var n int
	err := d.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_items WHERE item_id = ? AND action_kind = ?", itemID, string(kind))
	if err != nil {
		return false, fmt.Errorf("check processed %s/%s: %w", itemID, kind, err)
	}
	return n > 0, nil
}

// ItemProcessed reports whether any action has been recorded for itemID.
func (d *DB) ItemProcessed(ctx context.Context, itemID string) (bool, error) {
	var n int
	if err := d.conn.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_items WHERE item_id = ?", itemID); err != nil {
		return false, fmt.Errorf("check processed %s: %w", itemID, err)
	}
	return n > 0, nil
}

// RecordProcessed marks (itemID, kind) as done. Recording an existing pair
// is a no-op.
func (d *DB) RecordProcessed(ctx context.Context, itemID string, kind types.ActionKind, metadata string, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_items (item_id, action_kind, metadata, created_at)
		VALUES (?, ?, ?, ?)`,
		itemID, string(kind), metadata, Timestamp(at),
	)
	if err != nil {
		return fmt.Errorf("record processed %s/%s: %w", itemID, kind, err)
	}
	return nil
}

// ProcessedCount returns the number of dedup records.
func (d *DB) ProcessedCount(ctx context.Context) (int, error) {
	var n int
	err := d.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM processed_items")
	return n, err
}

// CleanupProcessed deletes dedup records created before cutoff, except those
// whose item still has an outstanding (pending or approved) action queued.
func (d *DB) CleanupProcessed(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM processed_items
		WHERE created_at < ?
		  AND item_id NOT IN (
		      SELECT item_id FROM pending_actions WHERE status IN ('pending', 'approved')
		  )`, Timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResetProcessed deletes dedup records. A zero cutoff deletes everything;
// otherwise only records created before cutoff are removed.
func (d *DB) ResetProcessed(ctx context.Context, cutoff time.Time) (int, error) {
	query := "DELETE FROM processed_items"
	var args []any
	if !cutoff.IsZero() {
		query += " WHERE created_at < ?"
		args = append(args, Timestamp(cutoff))
	}
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
