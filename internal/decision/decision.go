// Package decision arbitrates quick rules and the AI classifier into a single
// Decision per item.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/rules"
	"github.com/daviddao/mailpilot/internal/types"
)

// DefaultThreshold is the minimum AI confidence for automatic execution.
const DefaultThreshold = 0.7

// DefaultOutboundThreshold is the confidence required to send mail without
// review under OutboundHighConfidence.
const DefaultOutboundThreshold = 0.9

// OutboundPolicy controls whether reply and forward actions need approval.
type OutboundPolicy string

const (
	OutboundRequireApproval OutboundPolicy = "require_approval"
	OutboundHighConfidence  OutboundPolicy = "allow_high_confidence"
	OutboundAutopilot       OutboundPolicy = "full_autopilot"
)

// ParseOutboundPolicy validates s. An empty string selects require_approval.
func ParseOutboundPolicy(s string) (OutboundPolicy, error) {
	switch p := OutboundPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return OutboundRequireApproval, nil
	case OutboundRequireApproval, OutboundHighConfidence, OutboundAutopilot:
		return p, nil
	}
	return "", fmt.Errorf("unknown outbound policy %q (valid: require_approval, allow_high_confidence, full_autopilot)", s)
}

// ErrNoMatch is returned when no rule matched and no classifier is set.
var ErrNoMatch = errors.New("no rule matched and no classifier configured")

// Classifier produces an AI decision for an item.
type Classifier interface {
	Classify(ctx context.Context, it types.Item, instructions string) (types.Decision, error)
}

// Config holds everything the engine needs. It is read-only after New.
type Config struct {
	Rules             *rules.Set
	Classifier        Classifier
	Instructions      string
	Threshold         float64
	OutboundPolicy    OutboundPolicy
	OutboundThreshold float64
	Logger            *zerolog.Logger
	// Now is the rule clock; time.Now when nil.
	Now func() time.Time
}

// Engine turns items into decisions.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

// New creates an engine. Zero thresholds fall back to the defaults.
func New(cfg Config) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.OutboundThreshold <= 0 {
		cfg.OutboundThreshold = DefaultOutboundThreshold
	}
	if cfg.OutboundPolicy == "" {
		cfg.OutboundPolicy = OutboundRequireApproval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Engine{cfg: cfg, log: l.With().Str("component", "decision").Logger()}
}

// Decide returns the decision for it. Matching quick rules win over the
// classifier. Classifier errors are returned unchanged; the engine never
// retries.
func (e *Engine) Decide(ctx context.Context, it types.Item) (types.Decision, error) {
	var d types.Decision
	if matched := e.cfg.Rules.MatchAll(it, e.cfg.Now()); len(matched) > 0 {
		d = e.fromRules(it, matched)
	} else {
		if e.cfg.Classifier == nil {
			return types.Decision{}, ErrNoMatch
		}
		var err error
		d, err = e.cfg.Classifier.Classify(ctx, it, e.cfg.Instructions)
		if err != nil {
			return types.Decision{}, err
		}
		d.ItemID = it.ID
		d.Source = types.SourceAI
	}

	d.Secondary = e.checkSecondary(it, d.Primary, d.Secondary)
	d.Gate = e.gate(d)
	return d, nil
}

func (e *Engine) fromRules(it types.Item, matched []rules.Rule) types.Decision {
	first := matched[0]
	d := types.Decision{
		ItemID:     it.ID,
		Primary:    first.Action,
		Confidence: 1.0,
		Source:     types.SourceRule,
		RuleName:   first.Name,
		Reasoning:  "matched rule " + first.Name,
	}

	rest := matched[1:]
	switch {
	case first.Secondary != nil:
		sec := *first.Secondary
		d.Secondary = &sec
	case len(rest) > 0:
		sec := rest[0].Action
		d.Secondary = &sec
		rest = rest[1:]
	}
	for _, r := range rest {
		e.log.Warn().Str("item", it.ID).Str("rule", r.Name).Str("action", r.Action.String()).
			Msg("dropping accumulated rule action, only one secondary action is allowed")
	}
	return d
}

// checkSecondary drops a secondary action that is unsafe or unusable. The
// primary is never affected.
func (e *Engine) checkSecondary(it types.Item, primary types.ActionSpec, sec *types.ActionSpec) *types.ActionSpec {
	if sec == nil {
		return nil
	}
	var why string
	switch {
	case !sec.Kind.Valid():
		why = "unknown action"
	case !sec.Kind.AllowedAsSecondary():
		why = "action not allowed as secondary"
	case sec.Kind == types.ActionIgnore:
		return nil
	case sec.Kind == primary.Kind:
		why = "same kind as primary"
	case sec.Kind.NeedsFolder() && sec.Folder == "":
		why = "no target folder"
	default:
		return sec
	}
	e.log.Warn().Str("item", it.ID).Str("action", string(sec.Kind)).Str("reason", why).
		Msg("dropping secondary action")
	return nil
}

func (e *Engine) gate(d types.Decision) types.Gate {
	if d.Primary.Kind == types.ActionIgnore {
		return types.GateNone
	}
	if d.Source != types.SourceRule && d.Confidence < e.cfg.Threshold {
		return types.GateLowConfidence
	}
	if d.Primary.Kind.Outbound() {
		switch e.cfg.OutboundPolicy {
		case OutboundAutopilot:
		case OutboundHighConfidence:
			if d.Confidence < e.cfg.OutboundThreshold {
				return types.GateOutbound
			}
		default:
			return types.GateOutbound
		}
	}
	return types.GateNone
}
