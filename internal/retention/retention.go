// Package retention sweeps aged dedup records and pending actions.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/mailstore"
	"github.com/daviddao/mailpilot/internal/types"
)

// Defaults, in days.
const (
	DefaultProcessedDays = 90
	DefaultPendingDays   = 30
)

// Config configures a Sweeper.
type Config struct {
	DB            *db.DB
	ProcessedDays int
	PendingDays   int
	// Checker, when set, is asked whether queued items still exist upstream.
	Checker mailstore.Checker
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// Result counts what a sweep removed.
type Result struct {
	Processed int `json:"processed"`
	Rejected  int `json:"rejected"`
	Orphaned  int `json:"orphaned"`
}

// Total returns the number of removed rows.
func (r Result) Total() int { return r.Processed + r.Rejected + r.Orphaned }

// Sweeper deletes records that have outlived their retention window.
type Sweeper struct {
	cfg Config
	log zerolog.Logger
}

// New creates a sweeper.
func New(cfg Config) *Sweeper {
	if cfg.ProcessedDays <= 0 {
		cfg.ProcessedDays = DefaultProcessedDays
	}
	if cfg.PendingDays <= 0 {
		cfg.PendingDays = DefaultPendingDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Sweeper{cfg: cfg, log: l.With().Str("component", "retention").Logger()}
}

// Sweep runs one pass. Dedup records of items that still have an open
// pending action are kept regardless of age.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.cfg.Now()

	n, err := s.cfg.DB.CleanupProcessed(ctx, now.AddDate(0, 0, -s.cfg.ProcessedDays))
	if err != nil {
		return res, err
	}
	res.Processed = n

	n, err = s.cfg.DB.DeleteRejectedBefore(ctx, now.AddDate(0, 0, -s.cfg.PendingDays))
	if err != nil {
		return res, err
	}
	res.Rejected = n

	if s.cfg.Checker != nil {
		n, err := s.sweepOrphans(ctx)
		if err != nil {
			return res, err
		}
		res.Orphaned = n
	}

	if res.Total() > 0 {
		s.log.Info().Int("processed", res.Processed).Int("rejected", res.Rejected).
			Int("orphaned", res.Orphaned).Msg("retention sweep")
	}
	return res, nil
}

// sweepOrphans removes open pending actions whose item is gone upstream.
// Lookup failures keep the entry.
func (s *Sweeper) sweepOrphans(ctx context.Context) (int, error) {
	open, err := s.cfg.DB.ListPending(ctx, db.PendingFilter{
		Statuses: []types.PendingStatus{types.PendingStatusPending, types.PendingStatusApproved},
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range open {
		if ctx.Err() != nil {
			break
		}
		exists, err := s.cfg.Checker.Exists(ctx, p.Account, p.ItemID)
		if err != nil {
			if !errors.Is(err, mailstore.ErrNotSupported) {
				s.log.Debug().Err(err).Str("item", p.ItemID).Msg("existence check failed, keeping entry")
			}
			continue
		}
		if exists {
			continue
		}
		if err := s.cfg.DB.DeletePending(ctx, p.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
