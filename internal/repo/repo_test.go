package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/db"
	"batchline/internal/domain"
	"batchline/internal/events"
	"batchline/internal/migrate"
	"batchline/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func appendEvent(t *testing.T, r repo.Repo, rec events.Record) int64 {
	t.Helper()
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }}
	var id int64
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		var err error
		id, err = w.Append(ctx, tx, rec)
		return err
	})
	require.NoError(t, err)
	return id
}

func withTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, r.DB))
	v, err := migrate.Version(ctx, r.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	assert.Equal(t, latest, v)
	assert.GreaterOrEqual(t, latest, 2)
}

func TestEventJournalQueries(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()

	first := appendEvent(t, r, events.Record{Type: events.StageStarted, OrderID: "7", BatchID: "100", StageID: "11", ActorID: "sam", Role: "supervisor", Payload: events.EventPayload{"status": "in_progress"}})
	second := appendEvent(t, r, events.Record{Type: events.StageCompleted, OrderID: "7", BatchID: "100", StageID: "11", ActorID: "sam", Role: "supervisor"})
	third := appendEvent(t, r, events.Record{Type: events.StageStarted, OrderID: "7", BatchID: "101", StageID: "11", ActorID: "kim", Role: "supervisor"})

	latest, err := r.LatestEvents(ctx, 10, repo.EventFilter{})
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, third, latest[0].ID)
	assert.Equal(t, "2024-05-01T08:00:00Z", latest[0].TS)

	started, err := r.LatestEvents(ctx, 10, repo.EventFilter{Type: events.StageStarted, BatchID: "100"})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, first, started[0].ID)
	assert.JSONEq(t, `{"status":"in_progress"}`, started[0].Payload)
	assert.Equal(t, "supervisor", started[0].Role)

	page, err := r.LatestEvents(ctx, 10, repo.EventFilter{Before: third})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, second, page[0].ID)

	after, err := r.EventsAfter(ctx, 10, first)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, second, after[0].ID)

	maxID, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, third, maxID)

	got, err := r.GetEvent(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "{}", got.Payload)
	_, err = r.GetEvent(ctx, 999)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWriterRejectsIncompleteRecords(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	err := withTx(ctx, r.DB, func(tx *sql.Tx) error {
		_, err := events.Writer{}.Append(ctx, tx, events.Record{Type: events.StageStarted})
		return err
	})
	assert.Error(t, err)
}

func TestAPIKeys(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "sam", Role: "supervisor", Name: "line 2", KeyHash: repo.HashAPIKey("plain")}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	assert.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "sam", KeyHash: "x"}), "role is required")

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" plain "))
	require.NoError(t, err)
	assert.Equal(t, "supervisor", got.Role)
	assert.Equal(t, "line 2", got.Name)

	keys, err := r.ListAPIKeys(ctx, "sam")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	keys, err = r.ListAPIKeys(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, r.DeleteAPIKey(ctx, "k1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k1"), repo.ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("plain"))
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWebhookCursor(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	_, ok, err := r.WebhookCursor(ctx, "http://hook")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SetWebhookCursor(ctx, "http://hook", 4))
	require.NoError(t, r.SetWebhookCursor(ctx, "http://hook", 9))
	id, ok, err := r.WebhookCursor(ctx, "http://hook")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)
}
