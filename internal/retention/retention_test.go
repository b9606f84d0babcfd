package retention

import (
	"context"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/types"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSweepProcessedWindow(t *testing.T) {
	d := openDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -90)

	if err := d.RecordProcessed(ctx, "old", types.ActionArchive, "", cutoff.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := d.RecordProcessed(ctx, "inside", types.ActionArchive, "", cutoff.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	// Old, but its item still has an open pending action.
	if err := d.RecordProcessed(ctx, "held", types.ActionMarkRead, "", cutoff.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := d.EnqueuePending(ctx, &types.PendingAction{
		ItemID: "held", Account: "work", Folder: "X",
		Action: types.ActionSpec{Kind: types.ActionMove, Folder: "X"}, Reason: types.ReasonMissingFolder,
	}); err != nil {
		t.Fatal(err)
	}

	s := New(Config{DB: d, ProcessedDays: 90, Now: func() time.Time { return now }})
	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("removed %d processed records, want 1", res.Processed)
	}
	for id, want := range map[string]bool{"old": false, "inside": true, "held": true} {
		got, err := d.ItemProcessed(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("%s processed = %t, want %t", id, got, want)
		}
	}
}

func TestSweepRejected(t *testing.T) {
	d := openDB(t)
	ctx := context.Background()
	p := &types.PendingAction{ItemID: "r", Account: "work", Action: types.ActionSpec{Kind: types.ActionDelete}, Reason: types.ReasonLowConfidence}
	if _, err := d.EnqueuePending(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := d.SetPendingStatus(ctx, p.ID, types.PendingStatusRejected); err != nil {
		t.Fatal(err)
	}

	// Fresh rejections survive.
	res, err := New(Config{DB: d, PendingDays: 30}).Sweep(ctx)
	if err != nil || res.Rejected != 0 {
		t.Fatalf("fresh sweep = %+v, %v", res, err)
	}

	later := time.Now().AddDate(0, 0, 31)
	res, err = New(Config{DB: d, PendingDays: 30, Now: func() time.Time { return later }}).Sweep(ctx)
	if err != nil || res.Rejected != 1 {
		t.Fatalf("later sweep = %+v, %v", res, err)
	}
}

type checker map[string]bool

func (c checker) Exists(_ context.Context, _, itemID string) (bool, error) {
	return c[itemID], nil
}

func TestSweepOrphans(t *testing.T) {
	d := openDB(t)
	ctx := context.Background()
	for _, id := range []string{"gone", "here"} {
		if _, err := d.EnqueuePending(ctx, &types.PendingAction{
			ItemID: id, Account: "work", Action: types.ActionSpec{Kind: types.ActionArchive}, Reason: types.ReasonLowConfidence,
		}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := New(Config{DB: d, Checker: checker{"here": true}}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Orphaned != 1 {
		t.Fatalf("orphaned = %d, want 1", res.Orphaned)
	}
	left, _ := d.ListPending(ctx, db.PendingFilter{})
	if len(left) != 1 || left[0].ItemID != "here" {
		t.Fatalf("left = %+v", left)
	}
}
