// Package lock provides the cross-process advisory lock that keeps cycles
// from overlapping. A live holder refreshes its lock between items; a holder
// that crashed is detected by age and its lock is taken over by the next
// acquirer.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
)

// DefaultStaleAfter is the age after which a held lock is considered abandoned.
const DefaultStaleAfter = 30 * time.Minute

// ErrHeld is returned by Acquire when another live holder has the lock.
var ErrHeld = errors.New("cycle lock is held by another process")

// HeldError describes the current holder.
type HeldError struct {
	PID   int
	Since time.Time
}

func (e *HeldError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("%v (pid %d)", ErrHeld, e.PID)
	}
	return fmt.Sprintf("%v (pid %d since %s)", ErrHeld, e.PID, e.Since.Local().Format(time.DateTime))
}

// ErrLost is returned by Refresh when another process took the lock over.
var ErrLost = errors.New("cycle lock was taken over by another process")

// Is makes errors.Is(err, ErrHeld) work.
func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Locker is an advisory mutual-exclusion lock.
type Locker interface {
	Acquire(ctx context.Context) error
	// Refresh marks a held lock as alive so it is not taken for stale.
	Refresh(ctx context.Context) error
	Release() error
}

// DBLock keeps the lock in the singleton cycle_lock row of the database.
type DBLock struct {
	db         *db.DB
	staleAfter time.Duration
	pid        int
	now        func() time.Time
	startedAt  time.Time
	held       bool
}

// NewDB creates a database-row lock.
func NewDB(d *db.DB, staleAfter time.Duration) *DBLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &DBLock{db: d, staleAfter: staleAfter, pid: os.Getpid(), now: time.Now}
}

// Acquire claims the row, taking it over when the holder is stale.
func (l *DBLock) Acquire(ctx context.Context) error {
	if l.held {
		return fmt.Errorf("cycle lock already held by this process")
	}
	now := l.now()
	staleBefore := now.Add(-l.staleAfter)

	prev, err := l.db.CycleLockHolder(ctx)
	if err != nil {
		return err
	}
	ok, err := l.db.TryCycleLock(ctx, l.pid, now, staleBefore)
	if err != nil {
		return err
	}
	if !ok {
		he := &HeldError{}
		if h, err := l.db.CycleLockHolder(ctx); err == nil && h != nil {
			he.PID = h.PID
			he.Since, _ = db.ParseTime(h.StartedAt)
		}
		return he
	}
	if prev != nil {
		log.Warn().Int("pid", prev.PID).Str("since", prev.StartedAt).Msg("reclaimed stale cycle lock")
	}
	l.startedAt = now
	l.held = true
	return nil
}

// Refresh bumps the row's start time. It fails with ErrLost when the row no
// longer belongs to this lock.
func (l *DBLock) Refresh(ctx context.Context) error {
	if !l.held {
		return fmt.Errorf("cycle lock not held")
	}
	now := l.now()
	ok, err := l.db.RefreshCycleLock(ctx, l.pid, l.startedAt, now)
	if err != nil {
		return err
	}
	if !ok {
		l.held = false
		return ErrLost
	}
	l.startedAt = now
	return nil
}

// Release gives the row up if this lock still owns it.
func (l *DBLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.db.ReleaseCycleLock(context.Background(), l.pid, l.startedAt)
}
