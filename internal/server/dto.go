package server

import (
	"encoding/json"

	"batchline/internal/domain"
)

type HealthResponse struct {
	Status        string `json:"status" example:"ok" enum:"ok,degraded"`
	Version       string `json:"version,omitempty"`
	SchemaVersion int    `json:"schema_version"`
	SchemaLatest  int    `json:"schema_latest"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source" enum:"jwt,api_key"`
	// CanAct reports whether the role may ever start or complete stages.
	CanAct bool `json:"can_act"`
}

type OrdersResponse struct {
	Items []domain.Order `json:"items"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	OrderID string          `json:"order_id,omitempty"`
	BatchID string          `json:"batch_id,omitempty"`
	StageID string          `json:"stage_id,omitempty"`
	ActorID string          `json:"actor_id"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StageActionResponse struct {
	Event EventResponse    `json:"event"`
	Flow  domain.BatchFlow `json:"flow"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		OrderID: evt.OrderID,
		BatchID: evt.BatchID,
		StageID: evt.StageID,
		ActorID: evt.ActorID,
		Role:    evt.Role,
		Payload: payload,
	}
}
