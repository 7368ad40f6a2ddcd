package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"plantao/internal/db"
	"plantao/internal/domain"
	"plantao/internal/engine"
	"plantao/internal/migrate"
	"plantao/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestRegisterScheduleOnce(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.RegisterSchedule(env.Ctx, "agent-1", "2025-01-03", domain.Default24x72, "tester")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.Pattern.WorkDays != 1 || s.Pattern.RestDays != 3 {
		t.Fatalf("unexpected pattern: %+v", s.Pattern)
	}
	_, err = env.Engine.RegisterSchedule(env.Ctx, "agent-1", "2025-02-01", domain.Default24x72, "tester")
	if !errors.Is(err, engine.ErrAlreadyConfigured) {
		t.Fatalf("expected ErrAlreadyConfigured, got %v", err)
	}
	got, err := env.Engine.GetSchedule(env.Ctx, "agent-1")
	if err != nil || got.FirstShiftDate != "2025-01-03" {
		t.Fatalf("schedule must keep the first registration: %+v %v", got, err)
	}
}

func TestRegisterScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterSchedule(env.Ctx, "agent-1", "03/01/2025", domain.Default24x72, "tester"); err == nil {
		t.Fatalf("expected date format error")
	}
	if _, err := env.Engine.RegisterSchedule(env.Ctx, "agent-1", "2025-01-03", domain.CyclePattern{WorkDays: 0, RestDays: 3}, "tester"); err == nil {
		t.Fatalf("expected pattern error")
	}
	if _, err := env.Engine.RegisterSchedule(env.Ctx, "", "2025-01-03", domain.Default24x72, "tester"); err == nil {
		t.Fatalf("expected missing agent error")
	}
}

func TestRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.InsertRecord(env.Ctx, "notes", json.RawMessage(`{"title":"handover"}`), "tester")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("insert must assign an id")
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Data, &doc); err != nil || doc["id"] != rec.ID {
		t.Fatalf("stored document must carry its id: %s", rec.Data)
	}

	updated, err := env.Engine.UpdateRecord(env.Ctx, "notes", rec.ID, json.RawMessage(`{"title":"handover v2"}`), "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := json.Unmarshal(updated.Data, &doc); err != nil || doc["title"] != "handover v2" {
		t.Fatalf("expected updated document, got %s", updated.Data)
	}

	if err := env.Engine.DeleteRecord(env.Ctx, "notes", rec.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetRecord(env.Ctx, "notes", rec.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.Engine.DeleteRecord(env.Ctx, "notes", rec.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete should report not found, got %v", err)
	}
}

func TestRecordFiltering(t *testing.T) {
	env := newTestEnv(t)
	for _, doc := range []string{
		`{"id":"a","status":"open","rank":2}`,
		`{"id":"b","status":"closed","rank":1}`,
		`{"id":"c","status":"open","rank":3}`,
	} {
		if _, err := env.Engine.InsertRecord(env.Ctx, "tickets", json.RawMessage(doc), "tester"); err != nil {
			t.Fatalf("insert %s: %v", doc, err)
		}
	}
	open, err := env.Engine.ListRecords(env.Ctx, "tickets", repo.RecordFilter{Equals: map[string]string{"status": "open"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open tickets, got %d", len(open))
	}
	ranked, err := env.Engine.ListRecords(env.Ctx, "tickets", repo.RecordFilter{OrderBy: "rank", Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("ordered list: %v", err)
	}
	if len(ranked) != 1 || ranked[0].ID != "c" {
		t.Fatalf("expected highest rank first, got %+v", ranked)
	}
	if _, err := env.Engine.ListRecords(env.Ctx, "tickets", repo.RecordFilter{OrderBy: "rank; DROP TABLE records"}); err == nil {
		t.Fatalf("expected invalid order field error")
	}
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterSchedule(env.Ctx, "agent-1", "2025-01-03", domain.Default24x72, "tester"); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec, err := env.Engine.InsertRecord(env.Ctx, "notes", json.RawMessage(`{"title":"x"}`), "tester")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := env.Engine.DeleteRecord(env.Ctx, "notes", rec.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, 0, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	if evts[0].Type != "schedule.register" || evts[1].Type != "record.insert" || evts[2].Type != "record.delete" {
		t.Fatalf("unexpected event sequence: %+v", evts)
	}
}
