package db

import "fmt"

type migration struct {
	version int
	sql     string
}

// migrations are applied in order; never edit a released entry, append a new one.
var migrations = []migration{
	{1, `
CREATE TABLE IF NOT EXISTS processed_items (
    item_id     TEXT NOT NULL,
    action_kind TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL,
    PRIMARY KEY (item_id, action_kind)
);

CREATE TABLE IF NOT EXISTS pending_actions (
    id             TEXT PRIMARY KEY,
    item_id        TEXT NOT NULL,
    account        TEXT NOT NULL,
    folder         TEXT NOT NULL DEFAULT '',
    mailbox        TEXT NOT NULL DEFAULT '',
    ref            TEXT NOT NULL DEFAULT '',
    sender         TEXT NOT NULL DEFAULT '',
    subject        TEXT NOT NULL DEFAULT '',
    action_spec    TEXT NOT NULL,
    secondary_spec TEXT,
    confidence     REAL NOT NULL DEFAULT 0,
    reasoning      TEXT NOT NULL DEFAULT '',
    source         TEXT NOT NULL,
    reason         TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL DEFAULT '',
    UNIQUE(account, folder, item_id)
);

CREATE TABLE IF NOT EXISTS action_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id    TEXT NOT NULL,
    action     TEXT NOT NULL,
    source     TEXT NOT NULL,
    details    TEXT NOT NULL DEFAULT '',
    timestamp  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_lock (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    pid        INTEGER NOT NULL,
    started_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_created ON processed_items(created_at);
CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_actions(status);
CREATE INDEX IF NOT EXISTS idx_pending_item ON pending_actions(item_id);
CREATE INDEX IF NOT EXISTS idx_history_item ON action_history(item_id);
CREATE INDEX IF NOT EXISTS idx_history_time ON action_history(timestamp DESC);
`},
	{2, `
CREATE TABLE IF NOT EXISTS runtime_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS folder_cache (
    account    TEXT PRIMARY KEY,
    folders    TEXT NOT NULL,
    fetched_at TEXT NOT NULL
);
`},
}

// migrate checks the current schema version and applies outstanding
// migrations, each in its own transaction.
func (d *DB) migrate() error {
	if _, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := d.conn.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := d.conn.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", m.version, Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (d *DB) SchemaVersion() (int, error) {
	var v int
	err := d.conn.Get(&v, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	return v, err
}
