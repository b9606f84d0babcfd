package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetState returns the value stored under key in runtime_state.
func (d *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.conn.GetContext(ctx, &v, "SELECT value FROM runtime_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return v, true, nil
}

// SetState upserts key in runtime_state.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO runtime_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, Now(),
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// LockHolder describes the process holding the cycle lock row.
type LockHolder struct {
	PID       int    `db:"pid"`
	StartedAt string `db:"started_at"`
}

// CycleLockHolder returns the current holder of the cycle lock, or nil.
func (d *DB) CycleLockHolder(ctx context.Context) (*LockHolder, error) {
	h := &LockHolder{}
	err := d.conn.GetContext(ctx, h, "SELECT pid, started_at FROM cycle_lock WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cycle lock: %w", err)
	}
	return h, nil
}

// TryCycleLock claims the singleton cycle_lock row for pid. A row whose
// started_at is before staleBefore is taken over. It reports whether the
// lock was obtained.
func (d *DB) TryCycleLock(ctx context.Context, pid int, at, staleBefore time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO cycle_lock (id, pid, started_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pid = excluded.pid, started_at = excluded.started_at
		WHERE cycle_lock.started_at < ?`,
		pid, Timestamp(at), Timestamp(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("acquire cycle lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RefreshCycleLock moves started_at of the lock row to at if the row still
// belongs to pid/startedAt. It reports whether the row was updated.
func (d *DB) RefreshCycleLock(ctx context.Context, pid int, startedAt, at time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx,
		"UPDATE cycle_lock SET started_at = ? WHERE id = 1 AND pid = ? AND started_at = ?",
		Timestamp(at), pid, Timestamp(startedAt),
	)
	if err != nil {
		return false, fmt.Errorf("refresh cycle lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseCycleLock deletes the lock row if it still belongs to pid/startedAt.
func (d *DB) ReleaseCycleLock(ctx context.Context, pid int, startedAt time.Time) error {
	_, err := d.conn.ExecContext(ctx,
		"DELETE FROM cycle_lock WHERE id = 1 AND pid = ? AND started_at = ?",
		pid, Timestamp(startedAt),
	)
	if err != nil {
		return fmt.Errorf("release cycle lock: %w", err)
	}
	return nil
}

// CachedFolders returns the cached folder list for account if it was
// fetched at or after freshAfter.
func (d *DB) CachedFolders(ctx context.Context, account string, freshAfter time.Time) ([]string, bool, error) {
	var row struct {
		Folders   string `db:"folders"`
		FetchedAt string `db:"fetched_at"`
	}
	err := d.conn.GetContext(ctx, &row,
		"SELECT folders, fetched_at FROM folder_cache WHERE account = ?", account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read folder cache %s: %w", account, err)
	}
	if row.FetchedAt < Timestamp(freshAfter) {
		return nil, false, nil
	}
	var folders []string
	if err := json.Unmarshal([]byte(row.Folders), &folders); err != nil {
		return nil, false, fmt.Errorf("decode folder cache %s: %w", account, err)
	}
	return folders, true, nil
}

// CacheFolders stores the folder list for account.
func (d *DB) CacheFolders(ctx context.Context, account string, folders []string, at time.Time) error {
	b, err := json.Marshal(folders)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO folder_cache (account, folders, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET folders = excluded.folders, fetched_at = excluded.fetched_at`,
		account, string(b), Timestamp(at),
	)
	if err != nil {
		return fmt.Errorf("write folder cache %s: %w", account, err)
	}
	return nil
}

// InvalidateFolders drops the cached folder list for account.
func (d *DB) InvalidateFolders(ctx context.Context, account string) error {
	if _, err := d.conn.ExecContext(ctx, "DELETE FROM folder_cache WHERE account = ?", account); err != nil {
		return fmt.Errorf("invalidate folder cache %s: %w", account, err)
	}
	return nil
}
