// Package engine is the server-side business layer: schedule
// registration and record mutations, each recorded to the event log in
// the same transaction.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"plantao/internal/domain"
	"plantao/internal/events"
	"plantao/internal/repo"
)

// ErrAlreadyConfigured reports a schedule registration for an agent that
// already has one. Schedules are immutable once set.
var ErrAlreadyConfigured = errors.New("schedule already configured")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RegisterSchedule stores an agent's rotation anchor. A second
// registration for the same agent fails with ErrAlreadyConfigured.
func (e Engine) RegisterSchedule(ctx context.Context, agentID, firstShiftDate string, pattern domain.CyclePattern, actorID string) (domain.Schedule, error) {
	if agentID == "" {
		return domain.Schedule{}, errors.New("agent is required")
	}
	if _, err := time.Parse(domain.DateLayout, firstShiftDate); err != nil {
		return domain.Schedule{}, fmt.Errorf("invalid first shift date %q: %w", firstShiftDate, err)
	}
	if pattern.WorkDays <= 0 || pattern.RestDays < 0 {
		return domain.Schedule{}, fmt.Errorf("invalid cycle pattern %d/%d", pattern.WorkDays, pattern.RestDays)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer tx.Rollback()

	s := domain.Schedule{
		AgentID:        agentID,
		FirstShiftDate: firstShiftDate,
		Pattern:        pattern,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schedules(agent_id,first_shift_date,work_days,rest_days,created_at) VALUES (?,?,?,?,?)`,
		s.AgentID, s.FirstShiftDate, s.Pattern.WorkDays, s.Pattern.RestDays, s.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.Schedule{}, ErrAlreadyConfigured
		}
		return domain.Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "schedule.register", "schedule", s.AgentID, actorID,
		events.EventPayload{"first_shift_date": s.FirstShiftDate, "work_days": s.Pattern.WorkDays, "rest_days": s.Pattern.RestDays}); err != nil {
		return domain.Schedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func (e Engine) GetSchedule(ctx context.Context, agentID string) (domain.Schedule, error) {
	return e.Repo.GetSchedule(ctx, agentID)
}

// InsertRecord stores a new document in a collection. An empty ID gets a
// generated UUID; the stored document always carries its ID so clients
// can round-trip it through the sync queue.
func (e Engine) InsertRecord(ctx context.Context, collection string, data json.RawMessage, actorID string) (domain.Record, error) {
	if collection == "" {
		return domain.Record{}, errors.New("collection is required")
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return domain.Record{}, err
	}
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["id"] = id
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.Record{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.Record{
		ID:         id,
		Collection: collection,
		Data:       payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertRecord(ctx, tx, rec); err != nil {
		return domain.Record{}, err
	}
	if err := e.Events.Append(ctx, tx, "record.insert", "record", rec.ID, actorID,
		events.EventPayload{"collection": collection}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

// UpdateRecord replaces a record's document. Last write wins; no version
// check is performed.
func (e Engine) UpdateRecord(ctx context.Context, collection, id string, data json.RawMessage, actorID string) (domain.Record, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return domain.Record{}, err
	}
	doc["id"] = id
	payload, err := json.Marshal(doc)
	if err != nil {
		return domain.Record{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Record{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateRecord(ctx, tx, collection, id, payload, now); err != nil {
		return domain.Record{}, err
	}
	if err := e.Events.Append(ctx, tx, "record.update", "record", id, actorID,
		events.EventPayload{"collection": collection}); err != nil {
		return domain.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Record{}, err
	}
	return e.Repo.GetRecord(ctx, collection, id)
}

func (e Engine) DeleteRecord(ctx context.Context, collection, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteRecord(ctx, tx, collection, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "record.delete", "record", id, actorID,
		events.EventPayload{"collection": collection}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListRecords(ctx context.Context, collection string, f repo.RecordFilter) ([]domain.Record, error) {
	return e.Repo.ListRecords(ctx, collection, f)
}

func (e Engine) GetRecord(ctx context.Context, collection, id string) (domain.Record, error) {
	return e.Repo.GetRecord(ctx, collection, id)
}

func (e Engine) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, afterID, limit)
}

func decodeDocument(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("record data must be a JSON object: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, repo.ErrConflict) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
