package server

import (
	"encoding/json"

	"plantao/internal/domain"
)

type scheduleRequest struct {
	FirstShiftDate string `json:"first_shift_date" format:"date" example:"2025-01-03"`
	WorkDays       int    `json:"work_days,omitempty" minimum:"0"`
	RestDays       int    `json:"rest_days,omitempty" minimum:"0"`
}

type scheduleDTO struct {
	AgentID        string `json:"agent_id"`
	FirstShiftDate string `json:"first_shift_date" format:"date"`
	WorkDays       int    `json:"work_days"`
	RestDays       int    `json:"rest_days"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type scheduleResponse struct {
	Body scheduleDTO
}

func toScheduleDTO(s domain.Schedule) scheduleDTO {
	return scheduleDTO{
		AgentID:        s.AgentID,
		FirstShiftDate: s.FirstShiftDate,
		WorkDays:       s.Pattern.WorkDays,
		RestDays:       s.Pattern.RestDays,
		CreatedAt:      s.CreatedAt,
	}
}

type recordDTO struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	UpdatedAt  string          `json:"updated_at" format:"date-time"`
}

type recordResponse struct {
	Body recordDTO
}

type recordListResponse struct {
	Body struct {
		Items []recordDTO `json:"items"`
	}
}

func toRecordDTO(r domain.Record) recordDTO {
	return recordDTO{
		ID:         r.ID,
		Collection: r.Collection,
		Data:       r.Data,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func toRecordListResponse(recs []domain.Record) *recordListResponse {
	res := &recordListResponse{}
	res.Body.Items = make([]recordDTO, 0, len(recs))
	for _, r := range recs {
		res.Body.Items = append(res.Body.Items, toRecordDTO(r))
	}
	return res
}

type eventDTO struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type eventListResponse struct {
	Body struct {
		Items []eventDTO `json:"items"`
	}
}

func toEventListResponse(evts []domain.Event) *eventListResponse {
	res := &eventListResponse{}
	res.Body.Items = make([]eventDTO, 0, len(evts))
	for _, e := range evts {
		payload := json.RawMessage("{}")
		if e.Payload != "" && json.Valid([]byte(e.Payload)) {
			payload = json.RawMessage(e.Payload)
		}
		res.Body.Items = append(res.Body.Items, eventDTO{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    payload,
		})
	}
	return res
}
