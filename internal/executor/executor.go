// Package executor carries out decisions against a message store with
// at-most-once semantics per (item, action kind).
//
// For each action the executor checks the dedup record, honours the decision
// gate, makes sure a target folder exists (or defers to the folder policy),
// calls the store with a bounded timeout and a small retry budget, and only
// then records the action as processed. Every outcome lands in the audit log.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/mailstore"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/retry"
	"github.com/daviddao/mailpilot/internal/types"
)

// Defaults.
const (
	DefaultStoreTimeout   = 30 * time.Second
	DefaultFolderCacheTTL = 10 * time.Minute
)

// Recorder receives per-action outcomes, for metrics.
type Recorder interface {
	ActionDone(kind types.ActionKind, status types.Status)
}

// Config wires the executor. DB, Store and Policy are required.
type Config struct {
	DB             *db.DB
	Store          mailstore.Store
	Policy         *policy.Resolver
	Retry          retry.Policy
	StoreTimeout   time.Duration
	FolderCacheTTL time.Duration
	// MainAccount is the target account for moves that name none.
	MainAccount string
	Recorder    Recorder
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Options tune a single Execute call.
type Options struct {
	// DryRun performs no side effects and no writes.
	DryRun bool
	// Approved bypasses the decision gate (replay of reviewed actions).
	Approved bool
	// Replay marks audit rows as coming from a replay.
	Replay bool
}

// Executor runs decisions.
type Executor struct {
	cfg Config
	log zerolog.Logger
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.FolderCacheTTL <= 0 {
		cfg.FolderCacheTTL = DefaultFolderCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewResolver(policy.Folder{}, nil)
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Executor{cfg: cfg, log: l.With().Str("component", "executor").Logger()}
}

// Execute carries out d for it. The returned error is non-nil only when the
// local database fails; store and policy failures are reported in the
// outcome.
func (x *Executor) Execute(ctx context.Context, d types.Decision, it types.Item, opts Options) (types.Outcome, error) {
	out := types.Outcome{ItemID: it.ID, Account: it.Account, Subject: it.Subject, Decision: d}

	primary, err := x.run(ctx, it, d, d.Primary, true, opts)
	out.Primary = primary
	if err != nil {
		return out, err
	}

	// The secondary rides on the primary: it runs once the primary is done
	// (or was already done in an earlier cycle) and never reverts it.
	if d.Secondary != nil && (primary.Status == types.StatusExecuted || primary.Reason == types.ReasonDuplicate) {
		sec, err := x.run(ctx, it, d, *d.Secondary, false, opts)
		out.Secondary = &sec
		if err != nil {
			return out, err
		}
		if sec.Status == types.StatusErrored {
			x.log.Error().Str("item", it.ID).Str("action", string(sec.Kind)).Str("error", sec.Error).
				Msg("secondary action failed, primary kept")
		}
	}
	return out, nil
}

func (x *Executor) run(ctx context.Context, it types.Item, d types.Decision, spec types.ActionSpec, isPrimary bool, opts Options) (types.Result, error) {
	res := types.Result{Kind: spec.Kind, DryRun: opts.DryRun}
	l := x.log.With().Str("item", it.ID).Str("account", it.Account).Str("action", spec.String()).Logger()

	if spec.Kind.NeedsFolder() && spec.Account == "" && x.cfg.MainAccount != "" {
		spec.Account = x.cfg.MainAccount
	}

	done, err := x.cfg.DB.Processed(ctx, it.ID, spec.Kind)
	if err != nil {
		return res, err
	}
	if done {
		res.Status, res.Reason = types.StatusSkipped, types.ReasonDuplicate
		l.Debug().Msg("already processed, skipping")
		return res, x.finish(ctx, it, d, spec, res, opts)
	}

	if isPrimary && d.Deferred() && !opts.Approved {
		reason := types.ReasonLowConfidence
		if d.Gate == types.GateOutbound {
			reason = types.ReasonOutbound
		}
		return x.queue(ctx, it, d, spec, isPrimary, reason, opts, l)
	}

	if spec.Kind.NeedsFolder() {
		res, proceed, err := x.ensureFolder(ctx, it, d, spec, isPrimary, opts, l)
		if err != nil || !proceed {
			return res, err
		}
	}

	if opts.DryRun {
		res.Status = types.StatusExecuted
		l.Info().Msg("dry run, would execute")
		return res, nil
	}

	if spec.Kind == types.ActionIgnore {
		res.Status = types.StatusExecuted
		return res, x.commit(ctx, it, d, spec, res, opts)
	}

	attempts, err := x.perform(ctx, it, spec, opts, l)
	res.Attempts = attempts
	if err != nil {
		res.Status, res.Error = types.StatusErrored, err.Error()
		level := zerolog.ErrorLevel
		if !isPrimary {
			// Reported once by Execute.
			level = zerolog.DebugLevel
		}
		l.WithLevel(level).Err(err).Int("attempts", attempts).Str("kind", failure.KindOf(err).String()).Msg("action failed")
		return res, x.finish(ctx, it, d, spec, res, opts)
	}

	res.Status = types.StatusExecuted
	l.Info().Int("attempts", attempts).Msg("executed")
	return res, x.commit(ctx, it, d, spec, res, opts)
}

// ensureFolder checks that spec's folder exists and applies the folder policy
// when it does not. It reports whether the action should go ahead.
func (x *Executor) ensureFolder(ctx context.Context, it types.Item, d types.Decision, spec types.ActionSpec, isPrimary bool, opts Options, l zerolog.Logger) (types.Result, bool, error) {
	res := types.Result{Kind: spec.Kind, DryRun: opts.DryRun}
	account := targetAccount(it, spec)

	exists, err := x.folderExists(ctx, account, spec.Folder, !opts.DryRun)
	if err != nil {
		var dbErr *dbError
		if errors.As(err, &dbErr) {
			return res, false, dbErr.err
		}
		res.Status, res.Error = types.StatusErrored, err.Error()
		l.Warn().Err(err).Msg("could not list folders")
		return res, false, x.finish(ctx, it, d, spec, res, opts)
	}

	outcome := x.cfg.Policy.Resolve(account, exists)
	if outcome == policy.Ask {
		ok, err := x.cfg.Policy.Confirm(ctx, account, spec.Folder, it)
		if err != nil {
			l.Warn().Err(err).Msg("folder confirmation failed, queueing")
		}
		outcome = policy.Defer
		if ok && err == nil {
			outcome = policy.Create
		}
	}

	switch outcome {
	case policy.Proceed:
		return res, true, nil
	case policy.Create:
		if opts.DryRun {
			l.Info().Str("folder", spec.Folder).Msg("dry run, would create folder")
			return res, true, nil
		}
		if err := x.createFolder(ctx, account, spec.Folder); err != nil {
			res.Status, res.Error = types.StatusErrored, err.Error()
			l.Warn().Err(err).Str("folder", spec.Folder).Msg("create folder failed")
			return res, false, x.finish(ctx, it, d, spec, res, opts)
		}
		l.Info().Str("folder", spec.Folder).Msg("created folder")
		return res, true, nil
	}

	res, err = x.queue(ctx, it, d, spec, isPrimary, types.ReasonMissingFolder, opts, l)
	if err == nil && !opts.DryRun {
		x.cfg.Policy.Queued(ctx, account, spec.Folder, it)
	}
	return res, false, err
}

// dbError marks local database failures inside folder lookups.
type dbError struct{ err error }

func (e *dbError) Error() string { return e.err.Error() }

func (x *Executor) folderExists(ctx context.Context, account, folder string, cache bool) (bool, error) {
	now := x.cfg.Now()
	folders, ok, err := x.cfg.DB.CachedFolders(ctx, account, now.Add(-x.cfg.FolderCacheTTL))
	if err != nil {
		return false, &dbError{err}
	}
	if !ok {
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.StoreTimeout)
		folders, err = x.cfg.Store.Folders(callCtx, account)
		cancel()
		if err != nil {
			return false, fmt.Errorf("list folders for %s: %w", account, err)
		}
		if cache {
			if err := x.cfg.DB.CacheFolders(ctx, account, folders, now); err != nil {
				return false, &dbError{err}
			}
		}
	}
	for _, f := range folders {
		if f == folder || strings.EqualFold(f, folder) {
			return true, nil
		}
	}
	return false, nil
}

func (x *Executor) createFolder(ctx context.Context, account, folder string) error {
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.StoreTimeout)
	defer cancel()
	if err := x.cfg.Store.CreateFolder(callCtx, account, folder); err != nil {
		return err
	}
	return x.cfg.DB.InvalidateFolders(ctx, account)
}

// perform calls the store under the retry policy. A stale reference is
// refreshed once and retried right away; after that it counts as transient.
func (x *Executor) perform(ctx context.Context, it types.Item, spec types.ActionSpec, opts Options, l zerolog.Logger) (int, error) {
	calls := 0
	refreshed := false
	call := func() error {
		calls++
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.StoreTimeout)
		defer cancel()
		err := x.cfg.Store.Execute(callCtx, it, spec)
		if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = failure.Wrap("execute", failure.Transient, err)
		}
		return err
	}

	_, err := x.cfg.Retry.Do(ctx, func(int) error {
		err := call()
		if !failure.IsStale(err) {
			return err
		}
		if !refreshed {
			refreshed = true
			if fresh, ok := x.refresh(ctx, it, l); ok {
				it = fresh
				x.audit(ctx, it.ID, "retry", opts, map[string]any{
					"kind": spec.Kind, "attempt": calls, "error": err.Error(), "refreshed": true,
				})
				err = call()
				if !failure.IsStale(err) {
					return err
				}
			}
		}
		return failure.Wrap("execute", failure.Transient, err)
	}, func(attempt int, err error) {
		l.Warn().Err(err).Int("attempt", calls).Msg("transient failure, retrying")
		x.audit(ctx, it.ID, "retry", opts, map[string]any{
			"kind": spec.Kind, "attempt": calls, "error": err.Error(),
		})
	})
	return calls, err
}

func (x *Executor) refresh(ctx context.Context, it types.Item, l zerolog.Logger) (types.Item, bool) {
	r, ok := x.cfg.Store.(mailstore.Refresher)
	if !ok {
		return it, false
	}
	callCtx, cancel := context.WithTimeout(ctx, x.cfg.StoreTimeout)
	defer cancel()
	fresh, err := r.Refresh(callCtx, it)
	if err != nil {
		if !errors.Is(err, mailstore.ErrNotSupported) {
			l.Warn().Err(err).Msg("refresh after stale reference failed")
		}
		return it, false
	}
	l.Debug().Str("ref", fresh.Ref).Msg("refreshed stale reference")
	return fresh, true
}

func (x *Executor) queue(ctx context.Context, it types.Item, d types.Decision, spec types.ActionSpec, isPrimary bool, reason types.Reason, opts Options, l zerolog.Logger) (types.Result, error) {
	res := types.Result{Kind: spec.Kind, Status: types.StatusQueued, Reason: reason, DryRun: opts.DryRun}
	if opts.DryRun {
		l.Info().Str("reason", string(reason)).Msg("dry run, would queue")
		return res, nil
	}

	p := &types.PendingAction{
		ItemID:     it.ID,
		Account:    it.Account,
		Folder:     spec.Folder,
		Mailbox:    it.Mailbox,
		Ref:        it.Ref,
		Sender:     it.Sender,
		Subject:    it.Subject,
		Action:     spec,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Source:     d.Source,
		Reason:     reason,
	}
	if isPrimary {
		p.Secondary = d.Secondary
	}
	created, err := x.cfg.DB.EnqueuePending(ctx, p)
	if err != nil {
		return res, err
	}
	if created {
		l.Info().Str("reason", string(reason)).Str("pending", p.ID).Msg("queued for review")
	} else {
		l.Debug().Str("reason", string(reason)).Msg("already queued")
	}
	return res, x.finish(ctx, it, d, spec, res, opts)
}

// commit records the side effect as done, then audits it.
func (x *Executor) commit(ctx context.Context, it types.Item, d types.Decision, spec types.ActionSpec, res types.Result, opts Options) error {
	meta, _ := json.Marshal(map[string]any{
		"source":     d.Source,
		"rule":       d.RuleName,
		"confidence": d.Confidence,
		"folder":     spec.Folder,
		"account":    it.Account,
	})
	if err := x.cfg.DB.RecordProcessed(ctx, it.ID, spec.Kind, string(meta), x.cfg.Now()); err != nil {
		return err
	}
	return x.finish(ctx, it, d, spec, res, opts)
}

// finish writes the audit row and reports metrics. Dry runs write nothing.
func (x *Executor) finish(ctx context.Context, it types.Item, d types.Decision, spec types.ActionSpec, res types.Result, opts Options) error {
	if x.cfg.Recorder != nil {
		x.cfg.Recorder.ActionDone(spec.Kind, res.Status)
	}
	if opts.DryRun {
		return nil
	}
	details := map[string]any{
		"status":     res.Status,
		"confidence": d.Confidence,
	}
	if spec.Folder != "" {
		details["folder"] = spec.Folder
	}
	if res.Reason != "" {
		details["reason"] = res.Reason
	}
	if res.Error != "" {
		details["error"] = res.Error
	}
	if res.Attempts > 1 {
		details["attempts"] = res.Attempts
	}
	if d.RuleName != "" {
		details["rule"] = d.RuleName
	}
	if d.Reasoning != "" {
		details["reasoning"] = d.Reasoning
	}
	return x.auditSource(ctx, it.ID, string(spec.Kind), source(d, opts), details)
}

// audit writes a best-effort row outside the main outcome path.
func (x *Executor) audit(ctx context.Context, itemID, action string, opts Options, details map[string]any) {
	if opts.DryRun {
		return
	}
	src := "executor"
	if opts.Replay {
		src = string(types.SourceReplay)
	}
	if err := x.auditSource(ctx, itemID, action, src, details); err != nil {
		x.log.Warn().Err(err).Str("item", itemID).Msg("audit write failed")
	}
}

func (x *Executor) auditSource(ctx context.Context, itemID, action, src string, details map[string]any) error {
	b, _ := json.Marshal(details)
	return x.cfg.DB.AppendHistory(ctx, &types.HistoryEntry{
		ItemID:    itemID,
		Action:    action,
		Source:    src,
		Details:   string(b),
		Timestamp: db.Timestamp(x.cfg.Now()),
	})
}

func source(d types.Decision, opts Options) string {
	if opts.Replay {
		return string(types.SourceReplay)
	}
	return string(d.Source)
}

func targetAccount(it types.Item, spec types.ActionSpec) string {
	if spec.Account != "" {
		return spec.Account
	}
	return it.Account
}
