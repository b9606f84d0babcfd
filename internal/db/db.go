// Package db provides SQLite storage for mailpilot: dedup records, the
// pending-action queue, the audit log, the cycle lock and runtime state.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC layout used for every timestamp column,
// so that string comparison orders rows chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DB wraps a SQLite connection for mailpilot operations.
type DB struct {
	conn *sqlx.DB
	path string
}

// Open opens (or creates) a mailpilot database at the given path and applies
// outstanding migrations. ":memory:" opens a private in-memory database.
func Open(dbPath string) (*DB, error) {
	dsn := dbPath + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
		dsn += "&_pragma=journal_mode(WAL)"
	}

	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	conn.SetMaxOpenConns(1)

	d := &DB{conn: conn, path: dbPath}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// DefaultPath returns ~/.config/mailpilot/mailpilot.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mailpilot", "mailpilot.db")
	}
	return filepath.Join(home, ".config", "mailpilot", "mailpilot.db")
}

// Timestamp formats t in TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now returns the current time in TimeLayout.
func Now() string {
	return Timestamp(time.Now())
}

// ParseTime parses a timestamp column. Empty strings yield the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q", s)
}

// Stats returns the status overview counters. since bounds the recent
// actions count.
func (d *DB) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	s := &Stats{}
	if err := d.conn.GetContext(ctx, &s.ProcessedTotal,
		"SELECT COUNT(DISTINCT item_id) FROM processed_items"); err != nil {
		return nil, fmt.Errorf("count processed: %w", err)
	}
	if err := d.conn.GetContext(ctx, &s.PendingCount,
		"SELECT COUNT(*) FROM pending_actions WHERE status = 'pending'"); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if err := d.conn.GetContext(ctx, &s.ApprovedCount,
		"SELECT COUNT(*) FROM pending_actions WHERE status = 'approved'"); err != nil {
		return nil, fmt.Errorf("count approved: %w", err)
	}
	if err := d.conn.GetContext(ctx, &s.RecentActions,
		"SELECT COUNT(*) FROM processed_items WHERE created_at >= ?", Timestamp(since)); err != nil {
		return nil, fmt.Errorf("count recent: %w", err)
	}
	if err := d.conn.GetContext(ctx, &s.LastProcessed,
		"SELECT COALESCE(MAX(created_at), '') FROM processed_items"); err != nil {
		return nil, fmt.Errorf("last processed: %w", err)
	}
	return s, nil
}

// Stats is the raw status overview read from the database.
type Stats struct {
	ProcessedTotal int
	PendingCount   int
	ApprovedCount  int
	RecentActions  int
	LastProcessed  string
}
