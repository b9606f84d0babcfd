package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/executor"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/types"
)

type folderStore struct {
	folders  []string
	executed []types.ActionSpec
}

func (s *folderStore) Fetch(context.Context, string, string, time.Time) ([]types.Item, error) {
	return nil, nil
}

func (s *folderStore) Execute(_ context.Context, _ types.Item, a types.ActionSpec) error {
	s.executed = append(s.executed, a)
	return nil
}

func (s *folderStore) CreateFolder(_ context.Context, _, name string) error {
	s.folders = append(s.folders, name)
	return nil
}

func (s *folderStore) Folders(context.Context, string) ([]string, error) {
	return s.folders, nil
}

func setup(t *testing.T) (*db.DB, *folderStore, *executor.Executor, *Queue) {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	store := &folderStore{folders: []string{"INBOX"}}
	x := executor.New(executor.Config{
		DB:     d,
		Store:  store,
		Policy: policy.NewResolver(policy.Folder{Policy: policy.Queue}, nil),
	})
	return d, store, x, New(d, x, nil)
}

var item = types.Item{ID: "<x@example.com>", Ref: "INBOX/7", Account: "work", Mailbox: "INBOX", Sender: "pm@example.com", Subject: "Project X kickoff"}

func TestReplayAfterFolderCreated(t *testing.T) {
	d, store, x, q := setup(t)
	ctx := context.Background()
	dec := types.Decision{
		ItemID:     item.ID,
		Primary:    types.ActionSpec{Kind: types.ActionMove, Folder: "Projects/X"},
		Confidence: 1.0,
		Source:     types.SourceRule,
	}

	out, err := x.Execute(ctx, dec, item, executor.Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Primary.Status != types.StatusQueued || out.Primary.Reason != types.ReasonMissingFolder {
		t.Fatalf("outcome = %+v", out.Primary)
	}

	// Nothing changed upstream: replay keeps the entry.
	res, err := q.Replay(ctx, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Replayed != 1 || res.Waiting != 1 || res.Removed != 0 {
		t.Fatalf("first replay = %+v", res)
	}

	// The user creates the folder in their mail client.
	store.folders = append(store.folders, "Projects/X")

	res, err = q.Replay(ctx, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Executed != 1 || res.Removed != 1 {
		t.Fatalf("second replay = %+v", res)
	}
	if len(store.executed) != 1 || store.executed[0].Folder != "Projects/X" {
		t.Fatalf("executed = %+v", store.executed)
	}
	rows, err := q.List(ctx, db.PendingFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("pending rows left: %+v", rows)
	}
	if ok, _ := d.Processed(ctx, item.ID, types.ActionMove); !ok {
		t.Fatal("move not recorded as processed")
	}
}

func TestReplayMainAccountFolder(t *testing.T) {
	d, store, _, _ := setup(t)
	ctx := context.Background()
	x := executor.New(executor.Config{
		DB:          d,
		Store:       store,
		Policy:      policy.NewResolver(policy.Folder{Policy: policy.Queue}, nil),
		MainAccount: "archive",
	})
	q := New(d, x, nil)
	dec := types.Decision{
		ItemID:     item.ID,
		Primary:    types.ActionSpec{Kind: types.ActionMove, Folder: "Projects/X"},
		Confidence: 1.0,
		Source:     types.SourceRule,
	}
	if _, err := x.Execute(ctx, dec, item, executor.Options{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	folders, err := d.PendingFolders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(folders) != 1 || folders[0].Account != "archive" || folders[0].Folder != "Projects/X" {
		t.Fatalf("pending folders = %+v", folders)
	}

	// Created in the main account, whose folder list is cached.
	store.folders = append(store.folders, "Projects/X")
	res, err := q.Replay(ctx, ReplayOptions{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if res.Executed != 1 || res.Removed != 1 || res.Waiting != 0 {
		t.Fatalf("replay = %+v", res)
	}
	if len(store.executed) != 1 || store.executed[0].Account != "archive" {
		t.Fatalf("executed = %+v", store.executed)
	}
}

func TestReplaySelection(t *testing.T) {
	d, store, _, q := setup(t)
	ctx := context.Background()

	enqueue := func(itemID, account string, reason types.Reason) *types.PendingAction {
		p := &types.PendingAction{
			ItemID:     itemID,
			Account:    account,
			Action:     types.ActionSpec{Kind: types.ActionArchive},
			Confidence: 0.5,
			Source:     types.SourceAI,
			Reason:     reason,
		}
		if _, err := d.EnqueuePending(ctx, p); err != nil {
			t.Fatal(err)
		}
		return p
	}
	lowWork := enqueue("a", "work", types.ReasonLowConfidence)
	approved := enqueue("b", "home", types.ReasonLowConfidence)
	enqueue("c", "home", types.ReasonLowConfidence)

	if _, err := q.Approve(ctx, approved.ID[:8]); err != nil {
		t.Fatalf("Approve by prefix: %v", err)
	}

	// No filter: only the approved entry runs.
	res, err := q.Replay(ctx, ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 1 || res.Removed != 1 {
		t.Fatalf("unfiltered replay = %+v", res)
	}

	// Account filter: every open entry of that account runs.
	res, err = q.Replay(ctx, ReplayOptions{Account: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 1 || res.Outcomes[0].ItemID != lowWork.ItemID {
		t.Fatalf("account replay = %+v", res)
	}

	left, _ := q.List(ctx, db.PendingFilter{})
	if len(left) != 1 || left[0].ItemID != "c" {
		t.Fatalf("left = %+v", left)
	}
	if len(store.executed) != 2 {
		t.Fatalf("executed = %d, want 2", len(store.executed))
	}
}

func TestRejectKeepsRowAndAudits(t *testing.T) {
	d, _, _, q := setup(t)
	ctx := context.Background()
	p := &types.PendingAction{ItemID: "r1", Account: "work", Action: types.ActionSpec{Kind: types.ActionDelete}, Reason: types.ReasonLowConfidence}
	if _, err := d.EnqueuePending(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := q.Reject(ctx, p.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != types.PendingStatusRejected {
		t.Fatalf("status = %s", got.Status)
	}
	res, err := q.Replay(ctx, ReplayOptions{Account: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed != 0 {
		t.Fatalf("rejected entry replayed: %+v", res)
	}
	hist, _ := d.History(ctx, "r1", 0)
	if len(hist) != 1 || hist[0].Action != "reject" {
		t.Fatalf("history = %+v", hist)
	}

	if _, err := q.Approve(ctx, "does-not-exist"); !errors.Is(err, db.ErrPendingNotFound) {
		t.Fatalf("Approve(missing) err = %v", err)
	}
}

func TestDryRunReplayKeepsEntries(t *testing.T) {
	d, store, _, q := setup(t)
	ctx := context.Background()
	p := &types.PendingAction{ItemID: "d1", Account: "work", Action: types.ActionSpec{Kind: types.ActionFlag}, Reason: types.ReasonLowConfidence}
	if _, err := d.EnqueuePending(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Approve(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	res, err := q.Replay(ctx, ReplayOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Executed != 1 || res.Removed != 0 || len(store.executed) != 0 {
		t.Fatalf("dry run = %+v, executed = %d", res, len(store.executed))
	}
}
