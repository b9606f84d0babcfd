package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/db"
)

func TestDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{17, 24 * time.Hour},
		{200, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := Delay(tt.n, time.Second, 24*time.Hour); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestBackoffEscalatesAndResets(t *testing.T) {
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBackoff(d, time.Second, 24*time.Hour)
	b.now = func() time.Time { return now }

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, w := range want {
		st, err := b.Failure(ctx, errors.New("imap down"))
		if err != nil {
			t.Fatalf("Failure: %v", err)
		}
		if st.Failures != i+1 || st.NextDelay != w {
			t.Fatalf("failure %d: state = %+v, want delay %s", i+1, st, w)
		}
		if !st.NextAttemptAt.Equal(now.Add(w)) {
			t.Fatalf("next attempt = %s", st.NextAttemptAt)
		}
	}

	// Reload from the database, as a restarted process would.
	st, err := NewBackoff(d, 0, 0).State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Failures != 5 || st.LastError != "imap down" {
		t.Fatalf("persisted state = %+v", st)
	}
	if !st.Waiting(now.Add(10*time.Second)) || st.Waiting(now.Add(33*time.Second)) {
		t.Fatalf("Waiting wrong around %s", st.NextAttemptAt)
	}

	if err := b.Success(ctx); err != nil {
		t.Fatal(err)
	}
	st, err = b.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Failures != 0 || st.NextDelay != 0 || st.Waiting(now) {
		t.Fatalf("state after success = %+v", st)
	}
}
