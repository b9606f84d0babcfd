// Package failure classifies errors returned by external collaborators
// (message stores, classifiers) into transient, permanent and stale kinds.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the retry class of a failure.
type Kind int

const (
	// Transient failures may succeed if retried: timeouts, rate limits,
	// an unreachable application.
	Transient Kind = iota
	// Permanent failures will not succeed on retry: bad credentials,
	// invalid folder names, unsupported actions.
	Permanent
	// Stale means the item handle no longer resolves. The item should be
	// re-fetched once before retrying.
	Stale
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified collaborator failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf returns a transient failure for op.
func Transientf(op, format string, args ...any) error {
	return &Error{Op: op, Kind: Transient, Err: fmt.Errorf(format, args...)}
}

// Permanentf returns a permanent failure for op.
func Permanentf(op, format string, args ...any) error {
	return &Error{Op: op, Kind: Permanent, Err: fmt.Errorf(format, args...)}
}

// Stalef returns a stale-reference failure for op.
func Stalef(op, format string, args ...any) error {
	return &Error{Op: op, Kind: Stale, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under op. Nil stays nil.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are treated as
// transient when they look like timeouts or network errors and permanent
// otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Permanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }

// IsPermanent reports whether err will never succeed on retry.
func IsPermanent(err error) bool { return err != nil && KindOf(err) == Permanent }

// IsStale reports whether err is a stale item reference.
func IsStale(err error) bool { return err != nil && KindOf(err) == Stale }
