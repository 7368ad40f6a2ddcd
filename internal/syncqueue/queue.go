// Package syncqueue persists locally-originated mutations until they can
// be applied to the remote source. The durable table is the source of
// truth; an in-memory mirror of pending items keeps the UI badge cheap.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"plantao/internal/domain"
	"plantao/internal/remote"
)

const (
	defaultMaxAttempts = 8
	defaultBaseBackoff = 30 * time.Second
	defaultMaxBackoff  = time.Hour
)

// Queue is a durable FIFO of pending mutations.
type Queue struct {
	DB     *sql.DB
	Source remote.Source
	Now    func() time.Time

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	mu     sync.Mutex
	mirror []domain.PendingItem

	drainMu sync.Mutex
}

// DrainResult summarizes a single drain pass. Skipped counts pending
// items whose backoff window has not elapsed yet.
type DrainResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// New builds a queue and loads the pending mirror from storage.
func New(ctx context.Context, conn *sql.DB, source remote.Source) (*Queue, error) {
	q := &Queue{DB: conn, Source: source}
	if err := q.reload(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) maxAttempts() int {
	if q.MaxAttempts > 0 {
		return q.MaxAttempts
	}
	return defaultMaxAttempts
}

// Enqueue appends a mutation. The in-memory mirror updates immediately so
// callers can show a pending count; the durable write happens in the same
// call but its failure does not reject the mutation (it will simply be
// lost on restart, which beats blocking the caller while offline).
func (q *Queue) Enqueue(ctx context.Context, collection string, action domain.SyncAction, payload json.RawMessage) domain.PendingItem {
	item := domain.PendingItem{
		ID:         uuid.NewString(),
		Collection: collection,
		Action:     action,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  q.now().UTC().Format(time.RFC3339Nano),
		Status:     domain.SyncStatusPending,
	}
	q.mu.Lock()
	q.mirror = append(q.mirror, item)
	q.mu.Unlock()

	_, _ = q.DB.ExecContext(ctx,
		`INSERT INTO sync_queue(id,collection,action,payload_json,created_at,attempts,status) VALUES (?,?,?,?,?,0,?)`,
		item.ID, item.Collection, string(item.Action), string(item.Payload), item.CreatedAt, item.Status)
	return item
}

// Pending returns a copy of the in-memory mirror, oldest first.
func (q *Queue) Pending() []domain.PendingItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.PendingItem, len(q.mirror))
	copy(out, q.mirror)
	return out
}

// PendingCount returns the size of the in-memory mirror.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mirror)
}

// Dead lists items parked after exhausting their attempt budget.
func (q *Queue) Dead(ctx context.Context) ([]domain.PendingItem, error) {
	return q.list(ctx, domain.SyncStatusDead)
}

// Drain applies pending items in FIFO order. Each item is attempted once:
// successes are removed, failures stay queued with their backoff advanced,
// items past the attempt budget are parked as dead. A drain already in
// progress makes this call a no-op.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	if !q.drainMu.TryLock() {
		return DrainResult{}, nil
	}
	defer q.drainMu.Unlock()

	var result DrainResult
	now := q.now().UTC()
	items, err := q.list(ctx, domain.SyncStatusPending)
	if err != nil {
		return result, err
	}
	for _, item := range items {
		if item.NextAttemptAt != "" {
			due, err := time.Parse(time.RFC3339Nano, item.NextAttemptAt)
			if err == nil && now.Before(due) {
				result.Skipped++
				continue
			}
		}
		if err := q.Source.Mutate(ctx, item.Collection, item.Action, item.Payload); err != nil {
			result.Failed++
			if recordErr := q.recordFailure(ctx, item, err, now); recordErr != nil {
				return result, recordErr
			}
			continue
		}
		result.Succeeded++
		if _, err := q.DB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id=?`, item.ID); err != nil {
			return result, err
		}
		q.removeFromMirror(item.ID)
	}
	return result, nil
}

func (q *Queue) recordFailure(ctx context.Context, item domain.PendingItem, cause error, now time.Time) error {
	attempts := item.Attempts + 1
	if attempts >= q.maxAttempts() {
		_, err := q.DB.ExecContext(ctx,
			`UPDATE sync_queue SET attempts=?, last_error=?, status=? WHERE id=?`,
			attempts, cause.Error(), domain.SyncStatusDead, item.ID)
		if err != nil {
			return err
		}
		// Dead items leave the pending badge but stay on disk.
		q.removeFromMirror(item.ID)
		return nil
	}
	next := now.Add(q.backoff(attempts)).Format(time.RFC3339Nano)
	_, err := q.DB.ExecContext(ctx,
		`UPDATE sync_queue SET attempts=?, next_attempt_at=?, last_error=? WHERE id=?`,
		attempts, next, cause.Error(), item.ID)
	if err != nil {
		return err
	}
	q.updateMirror(item.ID, func(m *domain.PendingItem) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = cause.Error()
	})
	return nil
}

func (q *Queue) updateMirror(id string, apply func(*domain.PendingItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.mirror {
		if q.mirror[i].ID == id {
			apply(&q.mirror[i])
			return
		}
	}
}

// backoff doubles per attempt from the base, capped at the maximum.
func (q *Queue) backoff(attempts int) time.Duration {
	base := q.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	max := q.MaxBackoff
	if max <= 0 {
		max = defaultMaxBackoff
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (q *Queue) removeFromMirror(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.mirror {
		if item.ID == id {
			q.mirror = append(q.mirror[:i], q.mirror[i+1:]...)
			return
		}
	}
}

func (q *Queue) reload(ctx context.Context) error {
	items, err := q.list(ctx, domain.SyncStatusPending)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.mirror = items
	q.mu.Unlock()
	return nil
}

func (q *Queue) list(ctx context.Context, status string) ([]domain.PendingItem, error) {
	rows, err := q.DB.QueryContext(ctx,
		`SELECT id,collection,action,payload_json,created_at,attempts,COALESCE(next_attempt_at,''),COALESCE(last_error,''),status
FROM sync_queue WHERE status=? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.PendingItem
	for rows.Next() {
		var item domain.PendingItem
		var action, payload string
		if err := rows.Scan(&item.ID, &item.Collection, &action, &payload, &item.CreatedAt,
			&item.Attempts, &item.NextAttemptAt, &item.LastError, &item.Status); err != nil {
			return nil, err
		}
		item.Action = domain.SyncAction(action)
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	return items, rows.Err()
}
