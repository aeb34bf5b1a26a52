package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"batchline/internal/domain"
	"batchline/internal/logging"
	"batchline/internal/metrics"
	"batchline/internal/stageflow"
)

var (
	// ErrNotFound is matched by APIErrors carrying a 404.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps transport failures and open-breaker rejections.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrBadResponse marks a 2xx response whose body is not the expected JSON.
	ErrBadResponse = errors.New("malformed backend response")
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// BreakerSettings tunes the circuit breaker around backend calls.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    BreakerSettings
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the manufacturing backend that owns orders, process flows
// and batches. Batch notes are decoded into structured stage statuses here
// and nowhere else.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a client with sane defaults.
func New(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	threshold := opts.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := opts.Breaker.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	halfOpen := opts.Breaker.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: halfOpen,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			c.metrics.SetBreakerState(name, float64(to))
		},
	})
	return c
}

// ListOrders returns manufacturing orders.
func (c *Client) ListOrders(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	err := c.list(ctx, "list_orders", "manufacturing-orders", &out)
	return out, err
}

// GetOrder fetches a manufacturing order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var out domain.Order
	err := c.do(ctx, "get_order", http.MethodGet, "manufacturing-orders/"+url.PathEscape(orderID), nil, &out)
	return out, err
}

// ListStages returns the process flow of an order, sorted by sequence order.
func (c *Client) ListStages(ctx context.Context, orderID string) ([]domain.Stage, error) {
	var out []domain.Stage
	if err := c.list(ctx, "list_stages", "manufacturing-orders/"+url.PathEscape(orderID)+"/process-flow", &out); err != nil {
		return nil, err
	}
	return SortStages(out), nil
}

// ListBatches returns the batches allocated to an order.
func (c *Client) ListBatches(ctx context.Context, orderID string) ([]domain.Batch, error) {
	var out []domain.Batch
	if err := c.list(ctx, "list_batches", "manufacturing-orders/"+url.PathEscape(orderID)+"/batches", &out); err != nil {
		return nil, err
	}
	for i := range out {
		normalizeBatch(&out[i])
	}
	return out, nil
}

// GetBatch fetches one batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	var out domain.Batch
	if err := c.do(ctx, "get_batch", http.MethodGet, "batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return domain.Batch{}, err
	}
	normalizeBatch(&out)
	return out, nil
}

// StartStage invokes the backend workflow action that starts a stage for a batch.
func (c *Client) StartStage(ctx context.Context, batchID, stageID string) error {
	return c.do(ctx, "start_stage", http.MethodPost, stagePath(batchID, stageID, "start"), map[string]any{}, nil)
}

// CompleteStage invokes the backend workflow action that completes a stage for a batch.
func (c *Client) CompleteStage(ctx context.Context, batchID, stageID string) error {
	return c.do(ctx, "complete_stage", http.MethodPost, stagePath(batchID, stageID, "complete"), map[string]any{}, nil)
}

func stagePath(batchID, stageID, action string) string {
	return fmt.Sprintf("batches/%s/processes/%s/%s", url.PathEscape(batchID), url.PathEscape(stageID), action)
}

// normalizeBatch fills StageStatuses from notes when the backend did not send
// structured statuses.
func normalizeBatch(b *domain.Batch) {
	if len(b.StageStatuses) > 0 {
		return
	}
	decoded := stageflow.DecodeNotes(b.Notes)
	if len(decoded) == 0 {
		return
	}
	b.StageStatuses = make(map[string]stageflow.Status, len(decoded))
	for id, st := range decoded {
		b.StageStatuses[id] = st
	}
}

// SortStages orders stages by ascending sequence order without touching the input.
func SortStages(stages []domain.Stage) []domain.Stage {
	flow := stageflow.SortStages(domain.FlowStages(stages))
	byID := make(map[string]domain.Stage, len(stages))
	for _, s := range stages {
		byID[string(s.ID)] = s
	}
	out := make([]domain.Stage, 0, len(flow))
	for _, f := range flow {
		out = append(out, byID[f.ID])
	}
	return out
}

// list decodes either a bare JSON array or a {"results": [...]} / {"items": [...]} envelope.
func (c *Client) list(ctx context.Context, op, endpoint string, out any) error {
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, endpoint, nil, &raw); err != nil {
		return err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeBody(op, trimmed, out)
	}
	var env struct {
		Results json.RawMessage `json:"results"`
		Items   json.RawMessage `json:"items"`
	}
	if err := decodeBody(op, trimmed, &env); err != nil {
		return err
	}
	switch {
	case len(env.Results) > 0:
		return decodeBody(op, env.Results, out)
	case len(env.Items) > 0:
		return decodeBody(op, env.Items, out)
	}
	return nil
}

func decodeBody(op string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBadResponse, op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, endpoint, body, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.ObserveBackend(op, "rejected")
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	case err != nil:
		c.metrics.ObserveBackend(op, "error")
		c.logger.Debug("backend request failed", "operation", op, "method", method, "endpoint", endpoint, "error", err)
		return err
	}
	c.metrics.ObserveBackend(op, "ok")
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body any, out any) error {
	target := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeBody(method+" "+endpoint, data, out)
}
