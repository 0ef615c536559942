package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"hl-perp-desk/internal/state"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestRecentAuditNewestFirst(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i, cmd := range []string{"pause", "resume", "flatten"} {
		entry := state.AuditEntry{Source: "http", Actor: "ops", Command: cmd, Result: "ok", AtMS: int64(1000 + i)}
		if err := state.AppendAudit(ctx, store, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Set(ctx, "nonce:last", "5"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := state.RecentAudit(ctx, store, 2)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(got) != 2 || got[0].Command != "flatten" || got[1].Command != "resume" {
		t.Fatalf("unexpected audit order: %+v", got)
	}
}
