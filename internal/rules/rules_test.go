package rules

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/mailpilot/internal/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item() types.Item {
	return types.Item{
		ID:         "m1",
		Account:    "work",
		Mailbox:    "INBOX",
		Sender:     "GitHub <Notifications@GitHub.com>",
		Recipients: []string{"me@example.com"},
		Subject:    "[repo] Build failed on main",
		Body:       "The workflow CI failed.",
		ReceivedAt: testNow.Add(-2 * time.Hour),
	}
}

func mustCond(t *testing.T, f Field, op Operator, v string, cs, neg bool) *Condition {
	t.Helper()
	c, err := NewCondition(f, op, v, cs, neg)
	if err != nil {
		t.Fatalf("NewCondition(%s %s %q): %v", f, op, v, err)
	}
	return c
}

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		op    Operator
		value string
		cs    bool
		neg   bool
		want  bool
	}{
		{"contains case-insensitive", FieldSubject, OpContains, "BUILD FAILED", false, false, true},
		{"contains case-sensitive", FieldSubject, OpContains, "BUILD FAILED", true, false, false},
		{"equals bare address", FieldSender, OpEquals, "notifications@github.com", false, false, true},
		{"prefix", FieldSubject, OpPrefix, "[repo]", false, false, true},
		{"regex", FieldBody, OpRegex, `workflow \w+ failed`, false, false, true},
		{"domain exact", FieldSender, OpDomain, "github.com", false, false, true},
		{"domain parent", FieldSender, OpDomain, "com", false, false, true},
		{"domain other", FieldSender, OpDomain, "hub.com", false, false, false},
		{"recipient domain", FieldRecipient, OpDomain, "example.com", false, false, true},
		{"mailbox", FieldMailbox, OpEquals, "inbox", false, false, true},
		{"account negated", FieldAccount, OpEquals, "work", false, true, false},
		{"read is false", FieldRead, OpIs, "false", false, false, true},
		{"expr", "", OpExpr, `sender_domain == "github.com" && age_hours > 1`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustCond(t, tt.field, tt.op, tt.value, tt.cs, tt.neg)
			if got := Evaluate(c, item(), testNow); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConditionRejectsBadInput(t *testing.T) {
	bad := []struct {
		f  Field
		op Operator
		v  string
	}{
		{FieldSubject, OpRegex, "("},
		{FieldSubject, "like", "x"},
		{"size", OpEquals, "x"},
		{FieldSubject, OpDomain, "x.com"},
		{FieldRead, OpIs, "maybe"},
		{"", OpExpr, "subject +"},
	}
	for _, b := range bad {
		if _, err := NewCondition(b.f, b.op, b.v, false, false); err == nil {
			t.Errorf("NewCondition(%q, %q, %q) succeeded, want error", b.f, b.op, b.v)
		}
	}
}

func TestGroups(t *testing.T) {
	yes := mustCond(t, FieldSubject, OpContains, "build", false, false)
	no := mustCond(t, FieldSubject, OpContains, "invoice", false, false)

	if !Evaluate(&Group{Op: And, Children: []Tree{yes, yes}}, item(), testNow) {
		t.Error("AND of true children should be true")
	}
	if Evaluate(&Group{Op: And, Children: []Tree{yes, no}}, item(), testNow) {
		t.Error("AND with a false child should be false")
	}
	if !Evaluate(&Group{Op: Or, Children: []Tree{no, yes}}, item(), testNow) {
		t.Error("OR with a true child should be true")
	}
	notNo := mustCond(t, FieldSubject, OpContains, "invoice", false, true)
	if !Evaluate(&Group{Op: And, Children: []Tree{yes, notNo}}, item(), testNow) {
		t.Error("negated leaf should invert before composition")
	}
}

func rule(id string, prio int, stop bool, tree Tree, kind types.ActionKind) Rule {
	return Rule{ID: id, Name: id, Priority: prio, Enabled: true, StopProcessing: stop,
		Conditions: tree, Action: types.ActionSpec{Kind: kind}}
}

func TestAgeFollowsCallerClock(t *testing.T) {
	c := mustCond(t, "", OpExpr, "age_hours > 24", false, false)
	if Evaluate(c, item(), testNow) {
		t.Fatal("two-hour-old item reported older than a day")
	}
	if !Evaluate(c, item(), testNow.Add(48*time.Hour)) {
		t.Fatal("age ignored the reference time")
	}
}

func TestFirstMatchWins(t *testing.T) {
	match := mustCond(t, FieldSender, OpDomain, "github.com", false, false)
	set := NewSet([]Rule{
		rule("r2", 20, true, match, types.ActionDelete),
		rule("r1", 10, true, match, types.ActionMove),
	})

	got, ok := set.Match(item(), testNow)
	if !ok || got.ID != "r1" {
		t.Fatalf("Match = %q, %v; want r1", got.ID, ok)
	}
	all := set.MatchAll(item(), testNow)
	if len(all) != 1 || all[0].ID != "r1" {
		t.Fatalf("MatchAll = %v; want only r1", ids(all))
	}
}

func TestTiesKeepDeclarationOrder(t *testing.T) {
	match := mustCond(t, FieldSubject, OpContains, "build", false, false)
	set := NewSet([]Rule{
		rule("first", 5, true, match, types.ActionFlag),
		rule("second", 5, true, match, types.ActionArchive),
	})
	if got, _ := set.Match(item(), testNow); got.ID != "first" {
		t.Fatalf("Match = %q, want first", got.ID)
	}
}

func TestAccumulateUntilStoppingRule(t *testing.T) {
	match := mustCond(t, FieldSubject, OpContains, "build", false, false)
	miss := mustCond(t, FieldSubject, OpContains, "invoice", false, false)
	disabled := rule("disabled", 1, true, match, types.ActionDelete)
	disabled.Enabled = false
	set := NewSet([]Rule{
		disabled,
		rule("flag", 10, false, match, types.ActionFlag),
		rule("miss", 15, true, miss, types.ActionDelete),
		rule("move", 20, true, match, types.ActionMove),
		rule("never", 30, true, match, types.ActionArchive),
	})
	got := set.MatchAll(item(), testNow)
	if strings.Join(ids(got), ",") != "flag,move" {
		t.Fatalf("MatchAll = %v, want [flag move]", ids(got))
	}
}

func ids(rs []Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func decode(t *testing.T, src string) []Record {
	t.Helper()
	var recs []Record
	if err := yaml.Unmarshal([]byte(src), &recs); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	return recs
}

func TestCompileQuickRules(t *testing.T) {
	recs := decode(t, `
- name: GitHub
  priority: 10
  match:
    sender_domain: [github.com]
  action: move
  folder: GitHub
- name: Newsletters
  priority: 20
  match:
    subject_contains: [newsletter, digest]
    is_unread: true
  actions: [archive, mark_read]
- name: Builds
  match_any: true
  match:
    subject_regex: 'build (failed|passed)'
    body_contains: deploy
  action: flag
`)
	set, err := CompileAll(recs)
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("Len = %d", set.Len())
	}

	got, ok := set.Match(item(), testNow)
	if !ok || got.Name != "GitHub" {
		t.Fatalf("Match = %q, %v; want GitHub", got.Name, ok)
	}
	if got.Action.Kind != types.ActionMove || got.Action.Folder != "GitHub" {
		t.Fatalf("action = %+v", got.Action)
	}

	news := types.Item{ID: "n", Sender: "x@news.example", Subject: "Weekly Digest"}
	got, ok = set.Match(news, testNow)
	if !ok || got.Name != "Newsletters" {
		t.Fatalf("newsletter Match = %q, %v", got.Name, ok)
	}
	if got.Secondary == nil || got.Secondary.Kind != types.ActionMarkRead {
		t.Fatalf("secondary = %+v", got.Secondary)
	}
	news.Read = true
	if got, ok := set.Match(news, testNow); ok {
		t.Fatalf("read newsletter matched %q; is_unread must AND with subject", got.Name)
	}

	build := types.Item{ID: "b", Sender: "ci@example.org", Subject: "Build passed"}
	if got, ok := set.Match(build, testNow); !ok || got.Name != "Builds" || got.Priority != DefaultPriority {
		t.Fatalf("build Match = %+v, %v", got, ok)
	}
}

func TestCompileConditionTree(t *testing.T) {
	recs := decode(t, `
- name: tree
  conditions:
    operator: or
    children:
      - {field: subject, operator: starts_with, value: "[repo]"}
      - operator: and
        children:
          - {field: from, operator: contains, value: boss}
          - {field: read, operator: is, value: "false"}
  action: flag
`)
	set, err := CompileAll(recs)
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	if _, ok := set.Match(item(), testNow); !ok {
		t.Fatal("tree rule should match")
	}
}

func TestCompileRejects(t *testing.T) {
	cases := map[string]string{
		"no action":        "- name: a\n  match: {subject_contains: x}\n",
		"both":             "- name: a\n  match: {subject_contains: x}\n  action: flag\n  actions: [flag]\n",
		"move no folder":   "- name: a\n  match: {subject_contains: x}\n  action: move\n",
		"bad secondary":    "- name: a\n  match: {subject_contains: x}\n  actions: [archive, delete]\n",
		"unknown key":      "- name: a\n  match: {size_bigger: x}\n  action: flag\n",
		"no match":         "- name: a\n  action: flag\n",
		"unknown action":   "- name: a\n  match: {subject_contains: x}\n  action: explode\n",
		"duplicate names":  "- name: a\n  match: {subject_contains: x}\n  action: flag\n- name: A\n  match: {subject_contains: y}\n  action: flag\n",
		"three actions":    "- name: a\n  match: {subject_contains: x}\n  actions: [flag, archive, mark_read]\n",
		"forward no to":    "- name: a\n  match: {subject_contains: x}\n  action: forward\n",
		"bad regex":        "- name: a\n  match: {subject_regex: '('}\n  action: flag\n",
		"empty value list": "- name: a\n  match: {subject_contains: []}\n  action: flag\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := CompileAll(decode(t, src)); err == nil {
				t.Fatal("CompileAll succeeded, want error")
			}
		})
	}
}
