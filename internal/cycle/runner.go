// Package cycle runs triage cycles: take the lock, fetch unseen items, decide
// and execute each one in turn, sweep old records, release the lock. It also
// owns the cycle-level backoff and the two-timer watcher.
package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/decision"
	"github.com/daviddao/mailpilot/internal/executor"
	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/lock"
	"github.com/daviddao/mailpilot/internal/mailstore"
	"github.com/daviddao/mailpilot/internal/retention"
	"github.com/daviddao/mailpilot/internal/retry"
	"github.com/daviddao/mailpilot/internal/types"
)

// Defaults.
const (
	DefaultBatchSize            = 50
	DefaultMaxAge               = 7 * 24 * time.Hour
	DefaultMaxConsecutiveErrors = 3
	DefaultFetchTimeout         = 2 * time.Minute
)

// Decider produces a decision for an item.
type Decider interface {
	Decide(ctx context.Context, it types.Item) (types.Decision, error)
}

// Executor carries out a decision.
type Executor interface {
	Execute(ctx context.Context, d types.Decision, it types.Item, opts executor.Options) (types.Outcome, error)
}

// Sweeper removes aged records.
type Sweeper interface {
	Sweep(ctx context.Context) (retention.Result, error)
}

// Recorder receives cycle results, for metrics.
type Recorder interface {
	CycleDone(result string, d time.Duration)
	Pending(n int)
}

// Account is one mailbox owner and the mailboxes to scan.
type Account struct {
	Name      string
	Mailboxes []string
}

// Config wires a Runner.
type Config struct {
	DB       *db.DB
	Store    mailstore.Store
	Decider  Decider
	Executor Executor
	Sweeper  Sweeper
	Locker   lock.Locker
	Backoff  *Backoff
	Accounts []Account

	BatchSize            int
	MaxAge               time.Duration
	RateLimit            time.Duration
	FetchTimeout         time.Duration
	ClassifyRetry        retry.Policy
	MaxConsecutiveErrors int
	ExcludeSenders       []string
	ExcludeSubjects      []string

	Recorder Recorder
	Logger   *zerolog.Logger
	Now      func() time.Time
}

// Options tune one cycle. A zero Since fetches from now - MaxAge. Force
// ignores a pending backoff delay.
type Options struct {
	Since   time.Time
	Account string
	Limit   int
	DryRun  bool
	Force   bool
	Trigger string
}

// BackoffError is returned when a cycle is refused because of backoff.
type BackoffError struct {
	State RetryState
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("backing off after %d failed cycles until %s (last error: %s)",
		e.State.Failures, e.State.NextAttemptAt.Local().Format(time.DateTime), e.State.LastError)
}

// Runner executes cycles.
type Runner struct {
	cfg Config
	log zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff == nil && cfg.DB != nil {
		cfg.Backoff = NewBackoff(cfg.DB, 0, 0)
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Runner{cfg: cfg, log: l.With().Str("component", "cycle").Logger()}
}

// Run executes one cycle. A non-nil error means the cycle was fatal (or
// refused); item-level failures are only counted in the summary.
func (r *Runner) Run(ctx context.Context, opts Options) (*types.RunSummary, error) {
	start := r.cfg.Now()
	sum := &types.RunSummary{DryRun: opts.DryRun}

	if !opts.Force && !opts.DryRun && r.cfg.Backoff != nil {
		st, err := r.cfg.Backoff.State(ctx)
		if err != nil {
			return sum, err
		}
		if st.Waiting(start) {
			return sum, &BackoffError{State: st}
		}
	}

	err := r.locked(ctx, opts, sum)
	sum.Duration = r.cfg.Now().Sub(start)

	result := "ok"
	if err != nil {
		result = "failed"
		r.log.Error().Err(err).Str("trigger", opts.Trigger).Msg("cycle failed")
		if !opts.DryRun && r.cfg.Backoff != nil {
			st, berr := r.cfg.Backoff.Failure(context.WithoutCancel(ctx), err)
			if berr != nil {
				r.log.Warn().Err(berr).Msg("could not persist retry state")
			} else {
				r.log.Warn().Int("failures", st.Failures).Dur("delay", st.NextDelay).Msg("cycle backoff")
			}
		}
	} else if !opts.DryRun && r.cfg.Backoff != nil {
		if berr := r.cfg.Backoff.Success(context.WithoutCancel(ctx)); berr != nil {
			r.log.Warn().Err(berr).Msg("could not reset retry state")
		}
	}
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.CycleDone(result, sum.Duration)
	}
	return sum, err
}

func (r *Runner) locked(ctx context.Context, opts Options, sum *types.RunSummary) error {
	if r.cfg.Locker != nil {
		if err := r.cfg.Locker.Acquire(ctx); err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		defer func() {
			if err := r.cfg.Locker.Release(); err != nil {
				r.log.Warn().Err(err).Msg("release lock")
			}
		}()
	}

	items, err := r.fetch(ctx, opts)
	sum.Fetched = len(items)
	if err != nil {
		return err
	}

	if err := r.process(ctx, opts, items, sum); err != nil {
		return err
	}

	if !opts.DryRun && r.cfg.Sweeper != nil {
		res, err := r.cfg.Sweeper.Sweep(context.WithoutCancel(ctx))
		if err != nil {
			r.log.Warn().Err(err).Msg("retention sweep failed")
		}
		sum.Swept = res.Total()
	}
	if r.cfg.Recorder != nil && r.cfg.DB != nil {
		if rows, err := r.cfg.DB.ListPending(ctx, db.PendingFilter{
			Statuses: []types.PendingStatus{types.PendingStatusPending, types.PendingStatusApproved},
		}); err == nil {
			r.cfg.Recorder.Pending(len(rows))
		}
	}
	return nil
}

// fetch gathers items from every selected account and mailbox, oldest first
// within each mailbox. It fails only when every fetch failed. The batch cap is
// applied by process, after seen items are dropped.
func (r *Runner) fetch(ctx context.Context, opts Options) ([]types.Item, error) {
	since := opts.Since
	if since.IsZero() {
		since = r.cfg.Now().Add(-r.cfg.MaxAge)
	}

	var items []types.Item
	var errs []error
	attempted := 0
	for _, acct := range r.cfg.Accounts {
		if opts.Account != "" && acct.Name != opts.Account {
			continue
		}
		mailboxes := acct.Mailboxes
		if len(mailboxes) == 0 {
			mailboxes = []string{"INBOX"}
		}
		for _, mb := range mailboxes {
			attempted++
			fctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
			got, err := r.cfg.Store.Fetch(fctx, acct.Name, mb, since)
			cancel()
			if err != nil {
				r.log.Warn().Err(err).Str("account", acct.Name).Str("mailbox", mb).Msg("fetch failed")
				errs = append(errs, fmt.Errorf("%s/%s: %w", acct.Name, mb, err))
				continue
			}
			sort.SliceStable(got, func(i, j int) bool { return got[i].ReceivedAt.Before(got[j].ReceivedAt) })
			for i := range got {
				if got[i].Account == "" {
					got[i].Account = acct.Name
				}
				if got[i].Mailbox == "" {
					got[i].Mailbox = mb
				}
			}
			r.log.Debug().Str("account", acct.Name).Str("mailbox", mb).Int("items", len(got)).Msg("fetched")
			items = append(items, got...)
		}
	}
	if attempted == 0 {
		if opts.Account != "" {
			return nil, fmt.Errorf("unknown account %q", opts.Account)
		}
		return nil, fmt.Errorf("no accounts configured")
	}
	if len(errs) == attempted {
		return nil, fmt.Errorf("all fetches failed: %w", errors.Join(errs...))
	}
	return items, nil
}

func (r *Runner) process(ctx context.Context, opts Options, items []types.Item, sum *types.RunSummary) error {
	consecutive := 0
	handled := 0
	batch := map[string]int{}
	for _, it := range items {
		if ctx.Err() != nil {
			r.log.Info().Msg("stop requested, ending cycle between items")
			return nil
		}
		if opts.Limit > 0 && handled >= opts.Limit {
			break
		}
		l := r.log.With().Str("item", it.ID).Str("account", it.Account).Logger()

		if r.excluded(it) {
			sum.Skipped++
			l.Debug().Msg("excluded")
			continue
		}
		seen, err := r.seen(ctx, it.ID)
		if err != nil {
			return err
		}
		if seen {
			sum.Skipped++
			continue
		}
		box := it.Account + "/" + it.Mailbox
		if batch[box] >= r.cfg.BatchSize {
			continue
		}
		if r.cfg.Locker != nil {
			if err := r.cfg.Locker.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh lock: %w", err)
			}
		}
		handled++

		// The item runs to completion even if a stop signal arrives.
		itemCtx := context.WithoutCancel(ctx)

		d, attempts, err := r.decide(itemCtx, it)
		if errors.Is(err, decision.ErrNoMatch) {
			sum.Skipped++
			l.Debug().Msg("no rule matched and no classifier configured")
			continue
		}
		batch[box]++
		if err != nil {
			if failure.IsPermanent(err) {
				return fmt.Errorf("classify %s: %w", it.ID, err)
			}
			sum.Processed++
			sum.Errors++
			consecutive++
			l.Error().Err(err).Int("attempts", attempts).Msg("classification failed")
			r.auditError(itemCtx, it, err, opts)
			if consecutive >= r.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%d consecutive items failed, last: %w", consecutive, err)
			}
			continue
		}

		out, err := r.cfg.Executor.Execute(itemCtx, d, it, executor.Options{DryRun: opts.DryRun})
		if err != nil {
			return fmt.Errorf("execute %s: %w", it.ID, err)
		}
		sum.Tally(out)
		if out.Primary.Status == types.StatusErrored {
			consecutive++
			if consecutive >= r.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%d consecutive items failed, last: %s", consecutive, out.Primary.Error)
			}
		} else {
			consecutive = 0
		}

		r.pause(ctx)
	}
	return nil
}

func (r *Runner) decide(ctx context.Context, it types.Item) (types.Decision, int, error) {
	var d types.Decision
	attempts, err := r.cfg.ClassifyRetry.Do(ctx, func(int) error {
		var err error
		d, err = r.cfg.Decider.Decide(ctx, it)
		return err
	}, func(attempt int, err error) {
		r.log.Warn().Err(err).Str("item", it.ID).Int("attempt", attempt).Msg("classification failed, retrying")
	})
	return d, attempts, err
}

// seen reports whether the item already has a dedup record or any pending
// entry, rejected ones included. Queued items come back only through replay.
func (r *Runner) seen(ctx context.Context, itemID string) (bool, error) {
	done, err := r.cfg.DB.ItemProcessed(ctx, itemID)
	if err != nil || done {
		return done, err
	}
	return r.cfg.DB.HasPending(ctx, itemID)
}

func (r *Runner) excluded(it types.Item) bool {
	sender := strings.ToLower(it.Sender)
	for _, s := range r.cfg.ExcludeSenders {
		if s != "" && strings.Contains(sender, strings.ToLower(s)) {
			return true
		}
	}
	subject := strings.ToLower(it.Subject)
	for _, s := range r.cfg.ExcludeSubjects {
		if s != "" && strings.Contains(subject, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (r *Runner) auditError(ctx context.Context, it types.Item, err error, opts Options) {
	if opts.DryRun {
		return
	}
	details, _ := json.Marshal(map[string]string{"status": string(types.StatusErrored), "error": err.Error()})
	if aerr := r.cfg.DB.AppendHistory(ctx, &types.HistoryEntry{
		ItemID:  it.ID,
		Action:  "classify",
		Source:  string(types.SourceAI),
		Details: string(details),
	}); aerr != nil {
		r.log.Warn().Err(aerr).Msg("audit write failed")
	}
}

func (r *Runner) pause(ctx context.Context) {
	if r.cfg.RateLimit <= 0 {
		return
	}
	t := time.NewTimer(r.cfg.RateLimit)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
