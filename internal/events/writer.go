package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Journal event types.
const (
	StageStarted   = "batch.stage.started"
	StageCompleted = "batch.stage.completed"
	APIKeyCreated  = "apikey.created"
	APIKeyDeleted  = "apikey.deleted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one journal entry to append.
type Record struct {
	Type    string
	OrderID string
	BatchID string
	StageID string
	ActorID string
	Role    string
	Payload EventPayload
}

// Append writes rec inside tx and returns the new event ID.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	if rec.Type == "" {
		return 0, fmt.Errorf("event type required")
	}
	if rec.ActorID == "" {
		return 0, fmt.Errorf("event actor required")
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,order_id,batch_id,stage_id,actor_id,role,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.OrderID), nullable(rec.BatchID), nullable(rec.StageID), rec.ActorID, nullable(rec.Role), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
