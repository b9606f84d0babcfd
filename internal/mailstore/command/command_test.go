//go:build !windows

package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

// helper writes a shell script that answers per op. The request arrives on
// stdin as a single JSON line.
func helper(t *testing.T) *Store {
	t.Helper()
	script := `#!/bin/sh
req=$(cat)
case "$req" in
  *'"op":"fetch"'*)
    echo '{"items":[{"id":"<a@x>","ref":"INBOX/1","account":"work","mailbox":"INBOX","sender":"a@x","subject":"hi","received_at":"2024-05-01T10:00:00Z","read":false,"flagged":false}]}' ;;
  *'"op":"folders"'*)
    echo '{"folders":["INBOX","Archive"]}' ;;
  *'"op":"execute"'*'"kind":"delete"'*)
    echo "item vanished" >&2; exit 76 ;;
  *'"op":"execute"'*)
    ;;
  *'"op":"exists"'*)
    echo '{"exists":false}' ;;
  *)
    echo "unsupported" >&2; exit 2 ;;
esac
`
	path := filepath.Join(t.TempDir(), "store.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return New([]string{path})
}

func TestCommandStore(t *testing.T) {
	s := helper(t)
	ctx := context.Background()

	items, err := s.Fetch(ctx, "work", "INBOX", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "<a@x>" || items[0].Ref != "INBOX/1" {
		t.Fatalf("items = %+v", items)
	}

	folders, err := s.Folders(ctx, "work")
	if err != nil || len(folders) != 2 {
		t.Fatalf("Folders = %v, %v", folders, err)
	}

	if err := s.Execute(ctx, items[0], types.ActionSpec{Kind: types.ActionArchive}); err != nil {
		t.Fatalf("Execute(archive): %v", err)
	}
	if err := s.Execute(ctx, items[0], types.ActionSpec{Kind: types.ActionDelete}); !failure.IsStale(err) {
		t.Fatalf("Execute(delete) err = %v, want stale", err)
	}

	ok, err := s.Exists(ctx, "work", "<a@x>")
	if err != nil || ok {
		t.Fatalf("Exists = %t, %v", ok, err)
	}

	if err := s.CreateFolder(ctx, "work", "Projects"); !failure.IsPermanent(err) {
		t.Fatalf("CreateFolder err = %v, want permanent", err)
	}
}
