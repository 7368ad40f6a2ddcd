package syncqueue_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"plantao/internal/db"
	"plantao/internal/domain"
	"plantao/internal/migrate"
	"plantao/internal/remote"
	"plantao/internal/syncqueue"
)

type fakeSource struct {
	mu      sync.Mutex
	applied []string
	fail    func(payload json.RawMessage) error
	block   chan struct{}
}

func (f *fakeSource) Query(context.Context, string, remote.QueryOptions) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeSource) QueryOne(context.Context, string, string) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeSource) Mutate(_ context.Context, _ string, _ domain.SyncAction, payload json.RawMessage) error {
	if f.block != nil {
		<-f.block
	}
	if f.fail != nil {
		if err := f.fail(payload); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied = append(f.applied, payloadName(payload))
	f.mu.Unlock()
	return nil
}

func payloadName(payload json.RawMessage) string {
	var probe struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.Name
}

func newTestQueue(t *testing.T, source remote.Source) (*syncqueue.Queue, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q, err := syncqueue.New(context.Background(), conn, source)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, conn
}

func TestDrainAppliesFIFO(t *testing.T) {
	src := &fakeSource{}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	now := base
	q.Now = func() time.Time { return now }

	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))
	now = base.Add(time.Second)
	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"b","name":"B"}`))

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(src.applied) != 2 || src.applied[0] != "A" || src.applied[1] != "B" {
		t.Fatalf("expected FIFO order A,B; got %v", src.applied)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("expected empty queue, got %d", q.PendingCount())
	}
}

func TestDrainPartialFailure(t *testing.T) {
	src := &fakeSource{
		fail: func(payload json.RawMessage) error {
			if payloadName(payload) == "A" {
				return errors.New("rejected")
			}
			return nil
		},
	}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	now := base
	q.Now = func() time.Time { return now }

	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))
	now = base.Add(time.Second)
	q.Enqueue(ctx, "shifts", domain.ActionUpdate, json.RawMessage(`{"id":"b","name":"B"}`))

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	pending := q.Pending()
	if len(pending) != 1 || payloadName(pending[0].Payload) != "A" {
		t.Fatalf("expected failed item A to stay queued, got %v", pending)
	}
	if pending[0].LastError != "rejected" {
		t.Fatalf("expected failure reason on pending item, got %q", pending[0].LastError)
	}
	items, err := freshPending(t, q)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].LastError != "rejected" {
		t.Fatalf("expected stored failure reason, got %v", items)
	}
}

func TestFailureUpdatesPendingView(t *testing.T) {
	src := &fakeSource{fail: func(json.RawMessage) error { return errors.New("remote down") }}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	q.Now = func() time.Time { return base }
	q.BaseBackoff = time.Minute

	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))
	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one pending item, got %d", len(pending))
	}
	item := pending[0]
	if item.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", item.Attempts)
	}
	if item.LastError != "remote down" {
		t.Fatalf("last error = %q", item.LastError)
	}
	next, err := time.Parse(time.RFC3339Nano, item.NextAttemptAt)
	if err != nil {
		t.Fatalf("parse next attempt: %v", err)
	}
	if !next.Equal(base.Add(time.Minute)) {
		t.Fatalf("next attempt = %v, want %v", next, base.Add(time.Minute))
	}
}

func freshPending(t *testing.T, q *syncqueue.Queue) ([]domain.PendingItem, error) {
	t.Helper()
	rows, err := q.DB.Query(`SELECT id, COALESCE(last_error,'') FROM sync_queue WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.PendingItem
	for rows.Next() {
		var item domain.PendingItem
		if err := rows.Scan(&item.ID, &item.LastError); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func TestDrainSkipsItemsInBackoff(t *testing.T) {
	calls := 0
	src := &fakeSource{
		fail: func(json.RawMessage) error {
			calls++
			return errors.New("down")
		},
	}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	now := base
	q.Now = func() time.Time { return now }
	q.BaseBackoff = 30 * time.Second

	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))

	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}

	// Still inside the backoff window: the item must be skipped.
	now = base.Add(10 * time.Second)
	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 1 || res.Skipped != 1 {
		t.Fatalf("expected skip within backoff, calls=%d result=%+v", calls, res)
	}

	// Past the window: retried.
	now = base.Add(time.Minute)
	if _, err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected retry after backoff, got %d calls", calls)
	}
}

func TestRepeatedFailureParksItemAsDead(t *testing.T) {
	src := &fakeSource{fail: func(json.RawMessage) error { return errors.New("always") }}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	base := time.Date(2025, time.January, 3, 12, 0, 0, 0, time.UTC)
	now := base
	q.Now = func() time.Time { return now }
	q.MaxAttempts = 2
	q.BaseBackoff = time.Second

	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))
	for i := 0; i < 2; i++ {
		if _, err := q.Drain(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		now = now.Add(time.Minute)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("dead item should leave the pending mirror")
	}
	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("dead: %v", err)
	}
	if len(dead) != 1 || dead[0].Status != domain.SyncStatusDead {
		t.Fatalf("expected one dead item, got %v", dead)
	}
	if dead[0].LastError != "always" {
		t.Fatalf("dead item should keep its failure reason, got %q", dead[0].LastError)
	}
}

func TestDrainIsNotReentrant(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	q, _ := newTestQueue(t, src)
	ctx := context.Background()
	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))

	started := make(chan struct{})
	done := make(chan syncqueue.DrainResult, 1)
	go func() {
		close(started)
		res, _ := q.Drain(ctx)
		done <- res
	}()
	<-started
	// Give the drain goroutine time to take the lock and block in Mutate.
	time.Sleep(50 * time.Millisecond)

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if res != (syncqueue.DrainResult{}) {
		t.Fatalf("concurrent drain should be a no-op, got %+v", res)
	}

	close(src.block)
	first := <-done
	if first.Succeeded != 1 {
		t.Fatalf("first drain should apply the item, got %+v", first)
	}
}

func TestMirrorSurvivesRestart(t *testing.T) {
	src := &fakeSource{}
	q, conn := newTestQueue(t, src)
	ctx := context.Background()
	q.Enqueue(ctx, "shifts", domain.ActionInsert, json.RawMessage(`{"id":"a","name":"A"}`))

	reloaded, err := syncqueue.New(ctx, conn, src)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PendingCount() != 1 {
		t.Fatalf("expected durable item after restart, got %d", reloaded.PendingCount())
	}
}
