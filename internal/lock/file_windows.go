//go:build windows

package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileLock is an exclusive-create lock file. Without flock a crashed holder
// leaves the file behind, so a file older than staleAfter is removed and the
// lock retaken.
type FileLock struct {
	path       string
	staleAfter time.Duration
	f          *os.File
}

// NewFile creates a file lock at path.
func NewFile(path string, staleAfter time.Duration) *FileLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &FileLock{path: path, staleAfter: staleAfter}
}

// Acquire takes the lock without blocking.
func (l *FileLock) Acquire(context.Context) error {
	if l.f != nil {
		return fmt.Errorf("cycle lock already held by this process")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			_, _ = f.WriteString(holderLine(os.Getpid(), time.Now()))
			l.f = f
			return nil
		}
		if !os.IsExist(err) {
			return err
		}
		pid, since := readHolder(l.path)
		if since.IsZero() {
			if fi, err := os.Stat(l.path); err == nil {
				since = fi.ModTime()
			}
		}
		if attempt > 0 || since.IsZero() || time.Since(since) < l.staleAfter {
			return &HeldError{PID: pid, Since: since}
		}
		_ = os.Remove(l.path)
	}
	return &HeldError{}
}

// Refresh rewrites the holder line with the current time.
func (l *FileLock) Refresh(context.Context) error {
	if l.f == nil {
		return fmt.Errorf("cycle lock not held")
	}
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	_, err := l.f.WriteAt([]byte(holderLine(os.Getpid(), time.Now())), 0)
	return err
}

// Release closes and removes the lock file.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if rerr := os.Remove(l.path); err == nil {
		err = rerr
	}
	return err
}
