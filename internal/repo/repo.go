package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"batchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows journal queries. Empty fields match everything.
type EventFilter struct {
	Type    string
	OrderID string
	BatchID string
	StageID string
	ActorID string
	// Before restricts results to IDs lower than the cursor when positive.
	Before int64
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const eventColumns = `id,ts,type,COALESCE(order_id,''),COALESCE(batch_id,''),COALESCE(stage_id,''),actor_id,COALESCE(role,''),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrderID, &e.BatchID, &e.StageID, &e.ActorID, &e.Role, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns journal entries newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+"=?")
			args = append(args, value)
		}
	}
	add("type", f.Type)
	add("order_id", f.OrderID)
	add("batch_id", f.BatchID)
	add("stage_id", f.StageID)
	add("actor_id", f.ActorID)
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, eventColumns), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetEvent returns one journal entry.
func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM events WHERE id=?`, eventColumns), id)
	if err != nil {
		return domain.Event{}, err
	}
	res, err := scanEvents(rows)
	if err != nil {
		return domain.Event{}, err
	}
	if len(res) == 0 {
		return domain.Event{}, ErrNotFound
	}
	return res[0], nil
}

// LatestEventID returns the most recent event ID, or 0 for an empty journal.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
