package lock

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/db"
)

func TestDBLock(t *testing.T) {
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	a := NewDB(d, time.Minute)
	b := NewDB(d, time.Minute)
	b.pid = a.pid + 1

	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("a.Acquire: %v", err)
	}
	err = b.Acquire(ctx)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("b.Acquire err = %v, want ErrHeld", err)
	}
	var he *HeldError
	if !errors.As(err, &he) || he.PID != a.pid {
		t.Fatalf("holder = %+v", he)
	}

	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("b.Acquire after release: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
}

func TestDBLockStealsStale(t *testing.T) {
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	crashed := NewDB(d, time.Minute)
	crashed.pid = 99999
	crashed.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	if err := crashed.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	next := NewDB(d, time.Minute)
	if err := next.Acquire(ctx); err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	h, err := d.CycleLockHolder(ctx)
	if err != nil || h == nil || h.PID != next.pid {
		t.Fatalf("holder = %+v, %v", h, err)
	}

	// The crashed holder's late release must not drop the new lock.
	if err := crashed.Release(); err != nil {
		t.Fatal(err)
	}
	if h, _ := d.CycleLockHolder(ctx); h == nil {
		t.Fatal("old holder released the new lock")
	}
}

func TestDBLockRefreshKeepsLiveHolder(t *testing.T) {
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	a := NewDB(d, 30*time.Minute)
	a.now = func() time.Time { return start }
	if err := a.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	// A long cycle keeps refreshing.
	a.now = func() time.Time { return start.Add(20 * time.Minute) }
	if err := a.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	b := NewDB(d, 30*time.Minute)
	b.pid = a.pid + 1
	b.now = func() time.Time { return start.Add(31 * time.Minute) }
	if err := b.Acquire(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("b.Acquire err = %v, want ErrHeld", err)
	}

	// Once a stops refreshing the lock goes stale and is taken over.
	b.now = func() time.Time { return start.Add(51 * time.Minute) }
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("b.Acquire after a went quiet: %v", err)
	}
	if err := a.Refresh(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("a.Refresh err = %v, want ErrLost", err)
	}
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	if h, _ := d.CycleLockHolder(ctx); h == nil || h.PID != b.pid {
		t.Fatalf("holder = %+v", h)
	}
}

func TestFileLock(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exclusive-create semantics tested on unix only")
	}
	path := filepath.Join(t.TempDir(), "mp.lock")
	ctx := context.Background()

	a := NewFile(path, time.Minute)
	if err := a.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b := NewFile(path, time.Minute)
	err := b.Acquire(ctx)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}
	var he *HeldError
	if errors.As(err, &he) && he.PID == 0 {
		t.Fatalf("holder pid not recorded: %+v", he)
	}

	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatal(err)
	}
}
