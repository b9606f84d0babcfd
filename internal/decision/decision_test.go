package decision

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/rules"
	"github.com/daviddao/mailpilot/internal/types"
)

type fakeClassifier struct {
	decision types.Decision
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, it types.Item, _ string) (types.Decision, error) {
	f.calls++
	if f.err != nil {
		return types.Decision{}, f.err
	}
	d := f.decision
	d.ItemID = it.ID
	return d, nil
}

func aiDecision(kind types.ActionKind, confidence float64) types.Decision {
	return types.Decision{Primary: types.ActionSpec{Kind: kind}, Confidence: confidence, Source: types.SourceAI}
}

func ptr[T any](v T) *T { return &v }

func mustSet(t *testing.T, recs ...rules.Record) *rules.Set {
	t.Helper()
	set, err := rules.CompileAll(recs)
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	return set
}

func testEngine(cfg Config) (*Engine, *bytes.Buffer) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	cfg.Logger = &l
	return New(cfg), &buf
}

var githubItem = types.Item{ID: "gh-1", Account: "work", Sender: "bot@github.com", Subject: "PR merged"}

func TestRuleDecision(t *testing.T) {
	cls := &fakeClassifier{decision: aiDecision(types.ActionArchive, 0.99)}
	e, _ := testEngine(Config{
		Rules: mustSet(t, rules.Record{
			Name:     "GitHub",
			Priority: ptr(10),
			Match:    map[string]rules.StringList{"sender_domain": {"github.com"}},
			Action:   "move",
			Folder:   "GitHub",
		}),
		Classifier: cls,
	})

	d, err := e.Decide(context.Background(), githubItem)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Source != types.SourceRule || d.Confidence != 1.0 {
		t.Fatalf("decision = %+v", d)
	}
	if d.Primary.Kind != types.ActionMove || d.Primary.Folder != "GitHub" || d.RuleName != "GitHub" {
		t.Fatalf("primary = %+v", d.Primary)
	}
	if d.Deferred() {
		t.Fatalf("rule decision gated: %s", d.Gate)
	}
	if cls.calls != 0 {
		t.Fatalf("classifier called %d times after a rule match", cls.calls)
	}
}

func TestConfidenceGating(t *testing.T) {
	tests := []struct {
		confidence float64
		want       types.Gate
	}{
		{0.9, types.GateNone},
		{0.7, types.GateNone},
		{0.5, types.GateLowConfidence},
		{0.4, types.GateLowConfidence},
	}
	for _, tt := range tests {
		e, _ := testEngine(Config{
			Classifier: &fakeClassifier{decision: aiDecision(types.ActionArchive, tt.confidence)},
			Threshold:  0.7,
		})
		d, err := e.Decide(context.Background(), githubItem)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if d.Gate != tt.want {
			t.Errorf("confidence %.2f: gate = %q, want %q", tt.confidence, d.Gate, tt.want)
		}
		if d.Source != types.SourceAI || d.ItemID != githubItem.ID {
			t.Errorf("decision = %+v", d)
		}
	}
}

func TestDisallowedSecondaryDropped(t *testing.T) {
	d0 := aiDecision(types.ActionArchive, 0.95)
	d0.Secondary = &types.ActionSpec{Kind: types.ActionDelete}
	e, buf := testEngine(Config{Classifier: &fakeClassifier{decision: d0}})

	d, err := e.Decide(context.Background(), githubItem)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Secondary != nil {
		t.Fatalf("secondary kept: %+v", d.Secondary)
	}
	if d.Primary.Kind != types.ActionArchive || d.Deferred() {
		t.Fatalf("primary affected: %+v", d)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("no warning logged: %s", buf.String())
	}
}

func TestAllowedSecondaryKept(t *testing.T) {
	d0 := aiDecision(types.ActionMove, 0.95)
	d0.Primary.Folder = "Finance"
	d0.Secondary = &types.ActionSpec{Kind: types.ActionMarkRead}
	e, _ := testEngine(Config{Classifier: &fakeClassifier{decision: d0}})

	d, err := e.Decide(context.Background(), githubItem)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Secondary == nil || d.Secondary.Kind != types.ActionMarkRead {
		t.Fatalf("secondary = %+v", d.Secondary)
	}
}

func TestAccumulatedRulesBecomeSecondary(t *testing.T) {
	e, buf := testEngine(Config{
		Rules: mustSet(t,
			rules.Record{Name: "flag", Priority: ptr(1), StopProcessing: ptr(false),
				Match: map[string]rules.StringList{"from_contains": {"github"}}, Action: "flag"},
			rules.Record{Name: "read", Priority: ptr(2), StopProcessing: ptr(false),
				Match: map[string]rules.StringList{"from_contains": {"github"}}, Action: "mark_read"},
			rules.Record{Name: "archive", Priority: ptr(3),
				Match: map[string]rules.StringList{"from_contains": {"github"}}, Action: "archive"},
		),
	})

	d, err := e.Decide(context.Background(), githubItem)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Primary.Kind != types.ActionFlag {
		t.Fatalf("primary = %s", d.Primary.Kind)
	}
	if d.Secondary == nil || d.Secondary.Kind != types.ActionMarkRead {
		t.Fatalf("secondary = %+v", d.Secondary)
	}
	if !strings.Contains(buf.String(), "archive") {
		t.Fatalf("dropped third action not logged: %s", buf.String())
	}
}

func TestOutboundGating(t *testing.T) {
	tests := []struct {
		policy     OutboundPolicy
		confidence float64
		want       types.Gate
	}{
		{OutboundRequireApproval, 0.99, types.GateOutbound},
		{OutboundHighConfidence, 0.95, types.GateNone},
		{OutboundHighConfidence, 0.8, types.GateOutbound},
		{OutboundAutopilot, 0.75, types.GateNone},
		{OutboundAutopilot, 0.5, types.GateLowConfidence},
	}
	for _, tt := range tests {
		e, _ := testEngine(Config{
			Classifier:     &fakeClassifier{decision: aiDecision(types.ActionReply, tt.confidence)},
			OutboundPolicy: tt.policy,
		})
		d, err := e.Decide(context.Background(), githubItem)
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if d.Gate != tt.want {
			t.Errorf("%s at %.2f: gate = %q, want %q", tt.policy, tt.confidence, d.Gate, tt.want)
		}
	}
}

func TestClassifierErrorPropagates(t *testing.T) {
	cls := &fakeClassifier{err: failure.Permanentf("anthropic", "invalid api key")}
	e, _ := testEngine(Config{Classifier: cls})

	_, err := e.Decide(context.Background(), githubItem)
	if !failure.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Op != "anthropic" {
		t.Fatalf("err not passed through: %v", err)
	}
	if cls.calls != 1 {
		t.Fatalf("classifier called %d times, want 1", cls.calls)
	}
}

func TestParseOutboundPolicy(t *testing.T) {
	if p, err := ParseOutboundPolicy(""); err != nil || p != OutboundRequireApproval {
		t.Fatalf("empty = %q, %v", p, err)
	}
	if p, err := ParseOutboundPolicy("Full_Autopilot"); err != nil || p != OutboundAutopilot {
		t.Fatalf("Full_Autopilot = %q, %v", p, err)
	}
	if _, err := ParseOutboundPolicy("yolo"); err == nil {
		t.Fatal("want error")
	}
}
