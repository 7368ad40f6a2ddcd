package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"plantao/internal/cache"
	"plantao/internal/db"
	"plantao/internal/migrate"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &cache.Store{DB: conn}
}

func TestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	in := []map[string]any{{"id": "1"}, {"id": "2"}}
	if err := store.Set(ctx, "shifts:agent1", in, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, ok := store.Get(ctx, "shifts:agent1")
	if !ok {
		t.Fatalf("expected entry")
	}
	var out []map[string]any
	if err := json.Unmarshal(entry.Value, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 || out[0]["id"] != "1" {
		t.Fatalf("unexpected value: %v", out)
	}
	if !entry.Fresh(time.Now()) {
		t.Fatalf("entry should be fresh within ttl")
	}
}

func TestStaleEntryStillReturned(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return base }
	ctx := context.Background()
	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, ok := store.Get(ctx, "k")
	if !ok {
		t.Fatalf("expected entry after expiry, cache must not auto-evict")
	}
	if entry.Fresh(base.Add(2 * time.Minute)) {
		t.Fatalf("entry past ttl should report stale")
	}
	if entry.Fresh(base.Add(30 * time.Second)) != true {
		t.Fatalf("entry within ttl should report fresh")
	}
}

func TestSetOverwritesAndResetsExpiry(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	now := base
	store.Now = func() time.Time { return now }
	ctx := context.Background()
	if err := store.Set(ctx, "k", "old", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = base.Add(10 * time.Minute)
	if err := store.Set(ctx, "k", "new", time.Minute); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entry, ok := store.Get(ctx, "k")
	if !ok {
		t.Fatalf("expected entry")
	}
	var v string
	if err := json.Unmarshal(entry.Value, &v); err != nil || v != "new" {
		t.Fatalf("expected overwritten value, got %q err %v", v, err)
	}
	if !entry.Fresh(base.Add(10*time.Minute + 30*time.Second)) {
		t.Fatalf("expiry should reset on overwrite")
	}
}

func TestMissingKey(t *testing.T) {
	store := newTestStore(t)
	if _, ok := store.Get(context.Background(), "absent"); ok {
		t.Fatalf("expected miss")
	}
}

func TestGetFailsSoftWhenStoreUnavailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	store.DB.Close()
	if _, ok := store.Get(ctx, "k"); ok {
		t.Fatalf("closed store should report a miss, not panic or error")
	}
}

func TestKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b"} {
		if err := store.Set(ctx, k, k, time.Minute); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}
