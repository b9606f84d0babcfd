package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/daviddao/mailpilot/internal/db"
)

// Cycle-level backoff defaults.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 24 * time.Hour
)

const retryStateKey = "cycle.retry_state"

// RetryState is the persisted cycle-level backoff state.
type RetryState struct {
	Failures      int           `json:"attempt_count"`
	NextDelay     time.Duration `json:"next_delay"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Waiting reports whether a cycle should not start before NextAttemptAt.
func (s RetryState) Waiting(now time.Time) bool {
	return s.Failures > 0 && now.Before(s.NextAttemptAt)
}

// Delay returns min(base * 2^n, ceiling). n <= 0 yields zero.
func Delay(n int, base, ceiling time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return d
}

// Backoff tracks consecutive cycle failures in runtime_state so the delay
// survives restarts.
type Backoff struct {
	db      *db.DB
	base    time.Duration
	ceiling time.Duration
	now     func() time.Time
}

// NewBackoff creates a backoff with the default base and cap when zero.
func NewBackoff(d *db.DB, base, ceiling time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	return &Backoff{db: d, base: base, ceiling: ceiling, now: time.Now}
}

// State loads the current state. A missing entry is the zero state.
func (b *Backoff) State(ctx context.Context) (RetryState, error) {
	var s RetryState
	raw, ok, err := b.db.GetState(ctx, retryStateKey)
	if err != nil || !ok {
		return s, err
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return RetryState{}, fmt.Errorf("decode retry state: %w", err)
	}
	return s, nil
}

// Failure records a cycle-fatal failure and returns the new state.
func (b *Backoff) Failure(ctx context.Context, cause error) (RetryState, error) {
	s, err := b.State(ctx)
	if err != nil {
		return s, err
	}
	s.Failures++
	s.NextDelay = Delay(s.Failures, b.base, b.ceiling)
	s.NextAttemptAt = b.now().Add(s.NextDelay).UTC()
	if cause != nil {
		s.LastError = cause.Error()
	}
	return s, b.save(ctx, s)
}

// Success resets the state to zero.
func (b *Backoff) Success(ctx context.Context) error {
	s, err := b.State(ctx)
	if err != nil {
		return err
	}
	if s.Failures == 0 && s.NextDelay == 0 {
		return nil
	}
	return b.save(ctx, RetryState{})
}

func (b *Backoff) save(ctx context.Context, s RetryState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.SetState(ctx, retryStateKey, string(raw))
}
