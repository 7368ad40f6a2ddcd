// Package cache is a durable key-value store with TTL-based staleness
// marking. Entries are never evicted: a stale entry still serves as an
// offline fallback, and callers decide what freshness means for them.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists cache entries in the workspace SQLite database. Reads
// fail soft: a missing table, a closed handle, or corrupt row reports a
// cache miss instead of an error.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is a cached value together with its staleness bookkeeping. Value
// holds the stored JSON text; decoding it yields a copy, so callers can
// never mutate the cached state in place.
type Entry struct {
	Key       string
	Value     json.RawMessage
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get returns the entry for key regardless of TTL expiry; callers check
// Fresh separately. The second result is false on a miss or when the
// backing store is unavailable.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	var value, expiresAt, updatedAt string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value_json, expires_at, updated_at FROM cache_entries WHERE key=?`, key).
		Scan(&value, &expiresAt, &updatedAt)
	if err != nil {
		return Entry{}, false
	}
	exp, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return Entry{}, false
	}
	upd, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		Key:       key,
		Value:     json.RawMessage(value),
		ExpiresAt: exp,
		UpdatedAt: upd,
	}, true
}

// Set overwrites any existing entry for key and resets its expiry to
// now + ttl. The value is serialized to JSON, so the store never holds a
// reference to caller-owned data.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	now := s.now().UTC()
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO cache_entries(key,value_json,expires_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, string(payload), now.Add(ttl).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// Delete removes the entry for key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

// Keys lists all cached keys, oldest update first.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM cache_entries ORDER BY updated_at ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
