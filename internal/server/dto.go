package server

import (
	"encoding/json"

	"shopfloor/internal/domain"
)

// Request payloads

type AssignRequest struct {
	MachineID int64 `json:"machine_id" minimum:"1"`
}

type CompleteRequest struct {
	ActualQuantity *int `json:"actual_quantity,omitempty" minimum:"0"`
}

type CompletionActionRequest struct {
	Action            string `json:"action" enum:"close,continue,plan"`
	CompletedQuantity *int   `json:"completed_quantity,omitempty" minimum:"0"`
}

type PlanRequest struct {
	Start string `json:"start,omitempty" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PreprocessResponse struct {
	Adjustments []domain.ScheduleAdjustment `json:"adjustments"`
	Overdue     int                         `json:"overdue"`
}

type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

type paginatedNotifications struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
