package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"plantao/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports an insert that collides with an existing row.
var ErrConflict = errors.New("already exists")

func (r Repo) InsertSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO schedules(agent_id,first_shift_date,work_days,rest_days,created_at) VALUES (?,?,?,?,?)`,
		s.AgentID, s.FirstShiftDate, s.Pattern.WorkDays, s.Pattern.RestDays, s.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

func (r Repo) GetSchedule(ctx context.Context, agentID string) (domain.Schedule, error) {
	var s domain.Schedule
	err := r.DB.QueryRowContext(ctx, `SELECT agent_id,first_shift_date,work_days,rest_days,created_at FROM schedules WHERE agent_id=?`, agentID).
		Scan(&s.AgentID, &s.FirstShiftDate, &s.Pattern.WorkDays, &s.Pattern.RestDays, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,first_shift_date,work_days,rest_days,created_at FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		if err := rows.Scan(&s.AgentID, &s.FirstShiftDate, &s.Pattern.WorkDays, &s.Pattern.RestDays, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (r Repo) InsertRecord(ctx context.Context, tx *sql.Tx, rec domain.Record) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO records(id,collection,data_json,created_at,updated_at) VALUES (?,?,?,?,?)`,
		rec.ID, rec.Collection, string(rec.Data), rec.CreatedAt, rec.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

func (r Repo) GetRecord(ctx context.Context, collection, id string) (domain.Record, error) {
	var rec domain.Record
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT id,collection,data_json,created_at,updated_at FROM records WHERE collection=? AND id=?`, collection, id).
		Scan(&rec.ID, &rec.Collection, &data, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Data = []byte(data)
	return rec, nil
}

// RecordFilter narrows ListRecords. Equals keys match top-level fields of
// the stored JSON document via json_extract.
type RecordFilter struct {
	Equals     map[string]string
	OrderBy    string
	Descending bool
	Limit      int
}

func (r Repo) ListRecords(ctx context.Context, collection string, f RecordFilter) ([]domain.Record, error) {
	clauses := []string{"collection=?"}
	args := []any{collection}
	for field, value := range f.Equals {
		if !validFieldName(field) {
			return nil, fmt.Errorf("invalid filter field %q", field)
		}
		clauses = append(clauses, fmt.Sprintf("json_extract(data_json,'$.%s')=?", field))
		args = append(args, value)
	}
	query := `SELECT id,collection,data_json,created_at,updated_at FROM records WHERE ` + strings.Join(clauses, " AND ")
	order := "created_at, id"
	if f.OrderBy != "" {
		if !validFieldName(f.OrderBy) {
			return nil, fmt.Errorf("invalid order field %q", f.OrderBy)
		}
		order = fmt.Sprintf("json_extract(data_json,'$.%s')", f.OrderBy)
	}
	query += ` ORDER BY ` + order
	if f.Descending {
		query += ` DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Record
	for rows.Next() {
		var rec domain.Record
		var data string
		if err := rows.Scan(&rec.ID, &rec.Collection, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRecord(ctx context.Context, tx *sql.Tx, collection, id string, data []byte, updatedAt string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE records SET data_json=?, updated_at=? WHERE collection=? AND id=?`,
		string(data), updatedAt, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRecord(ctx context.Context, tx *sql.Tx, collection, id string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `DELETE FROM records WHERE collection=? AND id=?`, collection, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns events after the given ID in insertion order.
func (r Repo) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event ID, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// validFieldName allows only identifier-ish field names inside
// json_extract paths; everything else is rejected before it can reach
// the SQL text.
func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
