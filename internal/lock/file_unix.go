//go:build !windows

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// FileLock is an flock(2) lock on a file. The kernel drops it when the holder
// exits, so a crashed process never leaves it behind. The holder's pid and
// start time are written into the file for diagnostics.
type FileLock struct {
	path string
	f    *os.File
}

// NewFile creates a file lock at path. staleAfter is unused with flock and
// only kept for parity with platforms that need it.
func NewFile(path string, staleAfter time.Duration) *FileLock {
	return &FileLock{path: path}
}

// Acquire takes the lock without blocking.
func (l *FileLock) Acquire(context.Context) error {
	if l.f != nil {
		return fmt.Errorf("cycle lock already held by this process")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			pid, since := readHolder(l.path)
			return &HeldError{PID: pid, Since: since}
		}
		return err
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(holderLine(os.Getpid(), time.Now())), 0)
	l.f = f
	return nil
}

// Refresh is a no-op: flock has no age.
func (l *FileLock) Refresh(context.Context) error {
	if l.f == nil {
		return fmt.Errorf("cycle lock not held")
	}
	return nil
}

// Release unlocks and closes the file. The file itself stays.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
