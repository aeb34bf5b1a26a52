package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
}

// StartWebhookDispatcher polls the journal and delivers new events to the
// configured webhooks until ctx is done. Cursors are persisted per URL, so a
// restart resumes where delivery stopped; a hook seen for the first time
// starts at the current end of the journal.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, logger *slog.Logger) {
	d := newWebhookDispatcher(e, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, logger *slog.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		d.logger.Error("init cursor failed", "url", hook.URL, "error", err)
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("fetch events failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := d.engine.Repo.SetWebhookCursor(ctx, hook.URL, last); err != nil {
			d.logger.Error("persist cursor failed", "url", hook.URL, "error", err)
		}
	}()
	for _, evt := range events {
		if !filter.match(evt.Type) {
			last = evt.ID
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.logger.Debug("delivered", "url", hook.URL, "event_id", evt.ID, "type", evt.Type)
		last = evt.ID
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	cur, ok, err := d.engine.Repo.WebhookCursor(ctx, hook.URL)
	if err != nil || ok {
		return cur, err
	}
	cur, err = d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.engine.Repo.SetWebhookCursor(ctx, hook.URL, cur)
}

type webhookEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	OrderID string          `json:"order_id,omitempty"`
	BatchID string          `json:"batch_id,omitempty"`
	StageID string          `json:"stage_id,omitempty"`
	ActorID string          `json:"actor_id"`
	Role    string          `json:"role,omitempty"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// signPayload returns the hex HMAC-SHA256 of body under secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	resp := eventResponse(evt)
	data, err := json.Marshal(webhookEvent{
		ID:      resp.ID,
		Type:    resp.Type,
		OrderID: resp.OrderID,
		BatchID: resp.BatchID,
		StageID: resp.StageID,
		ActorID: resp.ActorID,
		Role:    resp.Role,
		TS:      resp.TS,
		Payload: resp.Payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batchline-Event", evt.Type)
	req.Header.Set("X-Batchline-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Batchline-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
