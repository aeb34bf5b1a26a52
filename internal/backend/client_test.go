package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/metrics"
	"batchline/internal/stageflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fakeBackend(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/manufacturing-orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"results": []map[string]any{
			{"id": 7, "mo_id": "MO-7", "status": "in_progress", "quantity": "120.5"},
		}})
	})
	mux.HandleFunc("/api/manufacturing-orders/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"id": 7, "mo_id": "MO-7", "status": "in_progress"})
	})
	mux.HandleFunc("/api/manufacturing-orders/7/process-flow", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, []map[string]any{
			{"id": 12, "sequence_order": 2, "name": "Mixing"},
			{"id": 11, "sequence_order": 1, "name": "Cutting"},
		})
	})
	mux.HandleFunc("/api/manufacturing-orders/7/batches", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"items": []map[string]any{
			{"id": 100, "batch_id": "B-100", "status": "in_process", "notes": "PROCESS_11_STATUS:completed;", "planned_quantity": 10},
			{"id": 101, "batch_id": "B-101", "status": "created", "notes": "PROCESS_11_STATUS:completed;", "stage_statuses": map[string]string{"11": "in_progress"}},
		}})
	})
	mux.HandleFunc("/api/batches/100", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"id": 100, "batch_id": "B-100", "status": "in_process", "notes": "{'process_11': {'status': 'in_progress'}}"})
	})
	mux.HandleFunc("/api/batches/100/processes/11/start", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/batches/100/processes/11/complete", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		writeJSON(w, 200, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/manufacturing-orders/9/process-flow", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>gateway error</html>"))
	})
	mux.HandleFunc("/api/batches/300", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 300, "batch_id": `))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientReadsOrdersFlowAndBatches(t *testing.T) {
	srv, _ := fakeBackend(t)
	c := New(Options{BaseURL: srv.URL + "/api/", Token: "secret"})
	ctx := context.Background()

	orders, err := c.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "7", orders[0].ID.String())
	assert.InDelta(t, 120.5, float64(orders[0].Quantity), 0.001)

	order, err := c.GetOrder(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "MO-7", order.MONumber)

	stages, err := c.ListStages(ctx, "7")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "11", stages[0].ID.String())
	assert.Equal(t, "Mixing", stages[1].Name)

	batches, err := c.ListBatches(ctx, "7")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, stageflow.StatusCompleted, batches[0].StageStatuses["11"], "notes decoded at the boundary")
	assert.Equal(t, stageflow.StatusInProgress, batches[1].StageStatuses["11"], "structured statuses preferred over notes")

	batch, err := c.GetBatch(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, stageflow.StatusInProgress, batch.StageStatuses["11"])
}

func TestClientStageActions(t *testing.T) {
	srv, calls := fakeBackend(t)
	c := New(Options{BaseURL: srv.URL + "/api", Token: "secret"})
	require.NoError(t, c.StartStage(context.Background(), "100", "11"))
	require.NoError(t, c.CompleteStage(context.Background(), "100", "11"))
	assert.Equal(t, []string{
		"/api/batches/100/processes/11/start",
		"/api/batches/100/processes/11/complete",
	}, *calls)
}

func TestClientNotFound(t *testing.T) {
	srv, _ := fakeBackend(t)
	c := New(Options{BaseURL: srv.URL + "/api"})
	_, err := c.GetBatch(context.Background(), "999")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	m := metrics.New("bltest")
	c := New(Options{
		BaseURL: srv.URL,
		Breaker: BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute},
		Metrics: m,
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.GetOrder(ctx, "1")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
	}
	_, err := c.GetOrder(ctx, "1")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("get_order", "rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("backend")))
}

func TestClientClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Breaker: BreakerSettings{FailureThreshold: 1}})
	for i := 0; i < 3; i++ {
		_, err := c.GetOrder(context.Background(), "1")
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestClientTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Options{BaseURL: base, Timeout: time.Second})
	_, err := c.ListOrders(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClientMalformedBodyIsBadResponse(t *testing.T) {
	srv, _ := fakeBackend(t)
	m := metrics.New("bltest")
	c := New(Options{BaseURL: srv.URL + "/api", Metrics: m})
	ctx := context.Background()

	_, err := c.ListStages(ctx, "9")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = c.GetBatch(ctx, "300")
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("get_batch", "error")))
}
