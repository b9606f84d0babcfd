package cycle

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/types"
)

// Watch defaults.
const (
	DefaultPollInterval     = 30 * time.Second
	DefaultFullScanInterval = 10 * time.Minute
	// pollOverlap re-reads a little of the previous window so items that
	// arrive out of order are not missed. Dedup drops the repeats.
	pollOverlap = time.Minute
)

const lastScanKey = "watch.last_scan"

// Trigger names recorded with each cycle.
const (
	TriggerPoll     = "poll"
	TriggerFullScan = "full_scan"
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
)

// Cycler runs one cycle.
type Cycler interface {
	Run(ctx context.Context, opts Options) (*types.RunSummary, error)
}

// WatchConfig wires a Watcher.
type WatchConfig struct {
	DB               *db.DB
	Runner           Cycler
	Backoff          *Backoff
	PollInterval     time.Duration
	FullScanInterval time.Duration
	StartupScan      bool
	DryRun           bool
	Logger           *zerolog.Logger
	Now              func() time.Time
}

// Watcher drives cycles from two timers: a frequent poll for new arrivals and
// a rarer full scan over the whole window.
type Watcher struct {
	cfg WatchConfig
	log zerolog.Logger
}

// NewWatcher creates a watcher, filling in default intervals.
func NewWatcher(cfg WatchConfig) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FullScanInterval <= 0 {
		cfg.FullScanInterval = DefaultFullScanInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Watcher{cfg: cfg, log: l.With().Str("component", "watch").Logger()}
}

// Run blocks until ctx is cancelled. A cycle that is already running when
// ctx is cancelled finishes its current item first.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info().Dur("poll", w.cfg.PollInterval).Dur("full_scan", w.cfg.FullScanInterval).Msg("watching")

	if w.cfg.StartupScan {
		w.cycle(ctx, TriggerStartup)
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	full := time.NewTicker(w.cfg.FullScanInterval)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watch stopped")
			return nil
		case <-poll.C:
			w.cycle(ctx, TriggerPoll)
		case <-full.C:
			w.cycle(ctx, TriggerFullScan)
		}
	}
}

// cycle runs one triggered cycle unless the backoff delay has not elapsed.
// Failures are logged; the runner has already recorded them in the backoff
// state.
func (w *Watcher) cycle(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	l := w.log.With().Str("trigger", trigger).Logger()

	if w.cfg.Backoff != nil && !w.cfg.DryRun {
		st, err := w.cfg.Backoff.State(ctx)
		if err != nil {
			l.Warn().Err(err).Msg("could not read retry state")
		} else if now := w.cfg.Now(); st.Waiting(now) {
			l.Debug().Time("next_attempt_at", st.NextAttemptAt).Msg("backing off, cycle skipped")
			return
		}
	}

	started := w.cfg.Now()
	opts := Options{Force: true, DryRun: w.cfg.DryRun, Trigger: trigger}
	if trigger == TriggerPoll {
		opts.Since = w.lastScan(ctx)
	}

	sum, err := w.cfg.Runner.Run(ctx, opts)
	if err != nil {
		var be *BackoffError
		if !errors.As(err, &be) {
			l.Warn().Err(err).Msg("cycle failed")
		}
		return
	}
	if sum != nil && sum.Processed > 0 {
		l.Info().Int("processed", sum.Processed).Int("executed", sum.Executed).
			Int("queued", sum.Queued).Int("errors", sum.Errors).Msg("cycle done")
	}
	if !w.cfg.DryRun && w.cfg.DB != nil {
		if err := w.cfg.DB.SetState(context.WithoutCancel(ctx), lastScanKey, db.Timestamp(started)); err != nil {
			l.Warn().Err(err).Msg("could not save last scan time")
		}
	}
}

// lastScan returns the start of the poll window. Zero lets the runner fall
// back to its max age.
func (w *Watcher) lastScan(ctx context.Context) time.Time {
	if w.cfg.DB == nil {
		return time.Time{}
	}
	t, ok := LastScan(ctx, w.cfg.DB)
	if !ok {
		return time.Time{}
	}
	return t.Add(-pollOverlap)
}

// LastScan returns when the last successful watched cycle started.
func LastScan(ctx context.Context, d *db.DB) (time.Time, bool) {
	raw, ok, err := d.GetState(ctx, lastScanKey)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := db.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
