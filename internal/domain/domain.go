package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"batchline/internal/stageflow"
)

// ID is an opaque backend identifier. The backend may encode it as a JSON
// string or number; it is always carried as a string here.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s", string(data))
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Quantity accepts numbers and numeric strings, as decimal fields often arrive quoted.
type Quantity float64

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*q = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid quantity %q", s)
		}
		*q = Quantity(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*q = Quantity(f)
	return nil
}

type Order struct {
	ID          ID       `json:"id"`
	MONumber    string   `json:"mo_id,omitempty"`
	ProductName string   `json:"product_name,omitempty"`
	Status      string   `json:"status"`
	Quantity    Quantity `json:"quantity,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty" format:"date-time"`
}

type Stage struct {
	ID            ID     `json:"id"`
	SequenceOrder int    `json:"sequence_order"`
	Name          string `json:"name,omitempty"`
	Code          string `json:"code,omitempty"`
}

// Flow converts the stage to the resolver input.
func (s Stage) Flow() stageflow.Stage {
	return stageflow.Stage{ID: string(s.ID), SequenceOrder: s.SequenceOrder}
}

// FlowStages converts stages to resolver inputs, preserving order.
func FlowStages(stages []Stage) []stageflow.Stage {
	out := make([]stageflow.Stage, len(stages))
	for i, s := range stages {
		out[i] = s.Flow()
	}
	return out
}

type Batch struct {
	ID              ID       `json:"id"`
	BatchID         string   `json:"batch_id"`
	OrderID         ID       `json:"manufacturing_order,omitempty"`
	MONumber        string   `json:"mo_id,omitempty"`
	Status          string   `json:"status"`
	Notes           string   `json:"notes,omitempty"`
	PlannedQuantity Quantity `json:"planned_quantity"`
	// StageStatuses holds explicit per-stage annotations keyed by stage ID.
	StageStatuses map[string]stageflow.Status `json:"stage_statuses,omitempty"`
}

// Flow converts the batch to the resolver input. Only StageStatuses is
// consulted; notes are decoded into it once, at the backend boundary.
func (b Batch) Flow() stageflow.Batch {
	return stageflow.Batch{
		TopLevelStatus: b.Status,
		Annotations:    stageflow.StatusMap(b.StageStatuses),
	}
}

type StageCell struct {
	StageID     ID               `json:"stage_id"`
	Status      stageflow.Status `json:"status" enum:"waiting,available,in_progress,completed"`
	CanStart    bool             `json:"can_start"`
	CanComplete bool             `json:"can_complete"`
	// Actions names what the viewing role may do next: start, complete or nothing.
	Actions []string `json:"actions,omitempty"`
}

type BatchFlow struct {
	Batch          Batch       `json:"batch"`
	Stages         []StageCell `json:"stages"`
	Progress       int         `json:"progress" minimum:"0" maximum:"100"`
	CurrentStageID *ID         `json:"current_stage_id,omitempty"`
}

type FlowBoard struct {
	Order    Order       `json:"order"`
	Role     string      `json:"role"`
	Stages   []Stage     `json:"stages"`
	Batches  []BatchFlow `json:"batches"`
	Progress int         `json:"progress" minimum:"0" maximum:"100"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	OrderID string `json:"order_id,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	StageID string `json:"stage_id,omitempty"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
