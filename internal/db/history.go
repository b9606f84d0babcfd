package db

import (
	"context"
	"fmt"

	"github.com/daviddao/mailpilot/internal/types"
)

// AppendHistory writes one audit log row. Timestamp defaults to now.
func (d *DB) AppendHistory(ctx context.Context, e *types.HistoryEntry) error {
	if e.Timestamp == "" {
		e.Timestamp = Now()
	}
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO action_history (item_id, action, source, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		e.ItemID, e.Action, e.Source, e.Details, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", e.ItemID, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// History returns the most recent audit rows, newest first. An empty itemID
// returns rows for every item.
func (d *DB) History(ctx context.Context, itemID string, limit int) ([]*types.HistoryEntry, error) {
	query := "SELECT id, item_id, action, source, details, timestamp FROM action_history"
	var args []any
	if itemID != "" {
		query += " WHERE item_id = ?"
		args = append(args, itemID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var result []*types.HistoryEntry
	if err := d.conn.SelectContext(ctx, &result, query, args...); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return result, nil
}
