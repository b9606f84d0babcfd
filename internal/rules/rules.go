// Package rules implements deterministic quick rules: condition trees,
// priority ordering, and matching against an item. It performs no I/O.
package rules

import (
	"sort"
	"time"

	"github.com/daviddao/mailpilot/internal/types"
)

// Rule is a compiled quick rule. Rules are immutable once loaded.
type Rule struct {
	ID             string
	Name           string
	Priority       int
	Enabled        bool
	Conditions     Tree
	Action         types.ActionSpec
	Secondary      *types.ActionSpec
	StopProcessing bool
}

// Set is an ordered, immutable list of rules.
type Set struct {
	rules []Rule
}

// NewSet copies rules and orders them by ascending priority. Rules with equal
// priority keep their declaration order.
func NewSet(rules []Rule) *Set {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Set{rules: sorted}
}

// Rules returns the rules in evaluation order.
func (s *Set) Rules() []Rule {
	if s == nil {
		return nil
	}
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Match returns the first enabled rule whose conditions hold for it. now is
// the reference time for age conditions.
func (s *Set) Match(it types.Item, now time.Time) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	for _, r := range s.rules {
		if r.matches(&it, now) {
			return r, true
		}
	}
	return Rule{}, false
}

// MatchAll returns matching rules in evaluation order, stopping after the
// first match that has StopProcessing set.
func (s *Set) MatchAll(it types.Item, now time.Time) []Rule {
	if s == nil {
		return nil
	}
	var matched []Rule
	for _, r := range s.rules {
		if !r.matches(&it, now) {
			continue
		}
		matched = append(matched, r)
		if r.StopProcessing {
			break
		}
	}
	return matched
}

func (r *Rule) matches(it *types.Item, now time.Time) bool {
	return r.Enabled && r.Conditions != nil && r.Conditions.eval(it, now)
}
