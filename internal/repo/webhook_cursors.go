package repo

import (
	"context"
	"database/sql"
	"time"
)

// WebhookCursor returns the last delivered event ID for a webhook URL.
// Unknown URLs report ok=false.
func (r Repo) WebhookCursor(ctx context.Context, url string) (int64, bool, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE url=?`, url).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// SetWebhookCursor records the last delivered event ID for a webhook URL.
func (r Repo) SetWebhookCursor(ctx context.Context, url string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(url) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		url, eventID, time.Now().UTC().Format(time.RFC3339))
	return err
}
