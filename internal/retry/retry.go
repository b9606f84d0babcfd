// Package retry runs an operation with a small fixed retry budget. It is
// used for item-level transient failures inside a cycle.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/daviddao/mailpilot/internal/failure"
)

// Policy is a fixed-delay retry budget.
type Policy struct {
	// Retries is the number of extra attempts after the first one.
	Retries int
	Delay   time.Duration
}

// Do calls op until it succeeds, fails with a non-transient error, or the
// budget is exhausted. onRetry is called before each retry with the attempt
// number (1-based) that failed. It returns the number of attempts made and
// the last error.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, onRetry func(attempt int, err error)) (int, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(retries))
	b = backoff.WithContext(b, ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(attempts)
		if err != nil && !failure.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempts, err)
		}
	})
	return attempts, err
}
