package domain

import "encoding/json"

// DateLayout is the calendar-date format used for first shift dates.
const DateLayout = "2006-01-02"

type CyclePattern struct {
	WorkDays int `json:"work_days"`
	RestDays int `json:"rest_days"`
}

// Length returns the full cycle length in days.
func (p CyclePattern) Length() int {
	return p.WorkDays + p.RestDays
}

// Default24x72 is the 1-day-on / 3-days-off rotation.
var Default24x72 = CyclePattern{WorkDays: 1, RestDays: 3}

type Schedule struct {
	AgentID        string       `json:"agent_id"`
	FirstShiftDate string       `json:"first_shift_date" format:"date"`
	Pattern        CyclePattern `json:"pattern"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
}

type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
}

// SyncAction identifies a queued mutation kind.
type SyncAction string

const (
	ActionInsert SyncAction = "insert"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// Pending item statuses. Items stay pending until applied; repeatedly
// failing items are parked as dead, never silently discarded.
const (
	SyncStatusPending = "pending"
	SyncStatusDead    = "dead"
)

type PendingItem struct {
	ID            string          `json:"id"`
	Collection    string          `json:"collection"`
	Action        SyncAction      `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt string          `json:"next_attempt_at,omitempty" format:"date-time"`
	LastError     string          `json:"last_error,omitempty"`
	Status        string          `json:"status" enum:"pending,dead"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
