package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"batchline/internal/config"
	"batchline/internal/domain"
	"batchline/internal/engine/auth"
	"batchline/internal/events"
	"batchline/internal/logging"
	"batchline/internal/metrics"
	"batchline/internal/repo"
	"batchline/internal/stageflow"
)

var (
	ErrStageNotInFlow  = errors.New("stage is not part of the order's process flow")
	ErrBatchNotInOrder = errors.New("batch does not belong to the order")
	ErrUnknownRole     = errors.New("unknown role")
)

// Backend is the slice of the manufacturing backend the engine drives.
type Backend interface {
	ListOrders(ctx context.Context) ([]domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListStages(ctx context.Context, orderID string) ([]domain.Stage, error)
	ListBatches(ctx context.Context, orderID string) ([]domain.Batch, error)
	GetBatch(ctx context.Context, batchID string) (domain.Batch, error)
	StartStage(ctx context.Context, batchID, stageID string) error
	CompleteStage(ctx context.Context, batchID, stageID string) error
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Backend Backend
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, backend Backend) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Backend: backend,
		Logger:  logging.Discard(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

func (e Engine) checkRole(role string) error {
	if e.Config != nil && !e.Config.HasRole(role) {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return nil
}

// ListOrders returns the manufacturing orders known to the backend.
func (e Engine) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return e.Backend.ListOrders(ctx)
}

// FlowBoard resolves every batch of an order against its process flow.
func (e Engine) FlowBoard(ctx context.Context, orderID, role string) (domain.FlowBoard, error) {
	if err := e.checkRole(role); err != nil {
		return domain.FlowBoard{}, err
	}
	order, err := e.Backend.GetOrder(ctx, orderID)
	if err != nil {
		return domain.FlowBoard{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	stages, err := e.Backend.ListStages(ctx, orderID)
	if err != nil {
		return domain.FlowBoard{}, fmt.Errorf("list stages for order %s: %w", orderID, err)
	}
	batches, err := e.Backend.ListBatches(ctx, orderID)
	if err != nil {
		return domain.FlowBoard{}, fmt.Errorf("list batches for order %s: %w", orderID, err)
	}
	board := domain.FlowBoard{
		Order:   order,
		Role:    role,
		Stages:  stages,
		Batches: make([]domain.BatchFlow, 0, len(batches)),
	}
	total := 0
	for _, b := range batches {
		bf := ResolveBatch(b, stages, role)
		total += bf.Progress
		board.Batches = append(board.Batches, bf)
	}
	if len(batches) > 0 {
		board.Progress = int(math.Round(float64(total) / float64(len(batches))))
	}
	return board, nil
}

// BatchFlow resolves one batch of an order.
func (e Engine) BatchFlow(ctx context.Context, orderID, batchID, role string) (domain.BatchFlow, error) {
	if err := e.checkRole(role); err != nil {
		return domain.BatchFlow{}, err
	}
	stages, batch, err := e.load(ctx, orderID, batchID)
	if err != nil {
		return domain.BatchFlow{}, err
	}
	return ResolveBatch(batch, stages, role), nil
}

func (e Engine) load(ctx context.Context, orderID, batchID string) ([]domain.Stage, domain.Batch, error) {
	stages, err := e.Backend.ListStages(ctx, orderID)
	if err != nil {
		return nil, domain.Batch{}, fmt.Errorf("list stages for order %s: %w", orderID, err)
	}
	batch, err := e.Backend.GetBatch(ctx, batchID)
	if err != nil {
		return nil, domain.Batch{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	if batch.OrderID != "" && string(batch.OrderID) != orderID {
		return nil, domain.Batch{}, fmt.Errorf("%w: batch %s, order %s", ErrBatchNotInOrder, batchID, orderID)
	}
	return stages, batch, nil
}

// ResolveBatch computes every stage cell of a batch for role, in flow order.
func ResolveBatch(b domain.Batch, stages []domain.Stage, role string) domain.BatchFlow {
	flow := domain.FlowStages(stages)
	fb := b.Flow()
	bf := domain.BatchFlow{
		Batch:    b,
		Stages:   make([]domain.StageCell, 0, len(stages)),
		Progress: stageflow.ComputeProgress(fb, flow),
	}
	for i, s := range stages {
		st := stageflow.ResolveStageStatus(fb, flow[i], flow)
		bf.Stages = append(bf.Stages, domain.StageCell{
			StageID:     s.ID,
			Status:      st,
			CanStart:    stageflow.CanStart(st, role),
			CanComplete: stageflow.CanComplete(st, role),
			Actions:     auth.Actions(role, st),
		})
	}
	if cur, ok := stageflow.CurrentStage(fb, flow); ok {
		id := domain.ID(cur.ID)
		bf.CurrentStageID = &id
	}
	return bf
}

// ActionOptions identify a stage action and who requests it.
type ActionOptions struct {
	OrderID string
	BatchID string
	StageID string
	ActorID string
	Role    string
}

// ActionResult is the journal entry of an action and the batch re-resolved
// from a fresh backend read.
type ActionResult struct {
	Event domain.Event     `json:"event"`
	Flow  domain.BatchFlow `json:"flow"`
}

// StartStage starts a stage for a batch when the caller's role permits it.
func (e Engine) StartStage(ctx context.Context, opts ActionOptions) (ActionResult, error) {
	return e.stageAction(ctx, auth.ActionStart, opts)
}

// CompleteStage completes a stage for a batch when the caller's role permits it.
func (e Engine) CompleteStage(ctx context.Context, opts ActionOptions) (ActionResult, error) {
	return e.stageAction(ctx, auth.ActionComplete, opts)
}

func (e Engine) stageAction(ctx context.Context, action string, opts ActionOptions) (res ActionResult, err error) {
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = actionOutcome(err)
		}
		e.Metrics.ObserveStageAction(action, outcome)
	}()
	if strings.TrimSpace(opts.ActorID) == "" {
		return ActionResult{}, errors.New("actor is required")
	}
	if err := e.checkRole(opts.Role); err != nil {
		return ActionResult{}, err
	}
	stages, batch, err := e.load(ctx, opts.OrderID, opts.BatchID)
	if err != nil {
		return ActionResult{}, err
	}
	idx := -1
	for i, s := range stages {
		if string(s.ID) == opts.StageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ActionResult{}, fmt.Errorf("%w: stage %s", ErrStageNotInFlow, opts.StageID)
	}
	flow := domain.FlowStages(stages)
	status := stageflow.ResolveStageStatus(batch.Flow(), flow[idx], flow)
	if err := auth.Authorize(action, opts.Role, status); err != nil {
		e.logger().Info("stage action denied", "action", action, "order_id", opts.OrderID, "batch_id", opts.BatchID, "stage_id", opts.StageID, "actor_id", opts.ActorID, "role", opts.Role, "status", status)
		return ActionResult{}, err
	}

	evtType := events.StageStarted
	call := e.Backend.StartStage
	next := stageflow.StatusInProgress
	if action == auth.ActionComplete {
		evtType = events.StageCompleted
		call = e.Backend.CompleteStage
		next = stageflow.StatusCompleted
	}
	if err := call(ctx, opts.BatchID, opts.StageID); err != nil {
		return ActionResult{}, fmt.Errorf("%s stage %s for batch %s: %w", action, opts.StageID, opts.BatchID, err)
	}

	evt := domain.Event{
		TS:      e.now().UTC().Format(time.RFC3339),
		Type:    evtType,
		OrderID: opts.OrderID,
		BatchID: opts.BatchID,
		StageID: opts.StageID,
		ActorID: opts.ActorID,
		Role:    opts.Role,
	}
	payload := events.EventPayload{
		"batch_code": batch.BatchID,
		"from":       string(status),
		"to":         string(next),
	}
	if evt.ID, err = e.journal(ctx, events.Record{
		Type: evtType, OrderID: opts.OrderID, BatchID: opts.BatchID, StageID: opts.StageID,
		ActorID: opts.ActorID, Role: opts.Role, Payload: payload,
	}); err != nil {
		return ActionResult{}, err
	}
	if stored, err := e.Repo.GetEvent(ctx, evt.ID); err == nil {
		evt = stored
	}
	e.logger().Info("stage action applied", "action", action, "order_id", opts.OrderID, "batch_id", opts.BatchID, "stage_id", opts.StageID, "actor_id", opts.ActorID, "event_id", evt.ID)

	refreshed, err := e.BatchFlow(ctx, opts.OrderID, opts.BatchID, opts.Role)
	if err != nil {
		return ActionResult{Event: evt}, fmt.Errorf("refresh batch %s: %w", opts.BatchID, err)
	}
	return ActionResult{Event: evt, Flow: refreshed}, nil
}

func actionOutcome(err error) string {
	var forbidden auth.ForbiddenError
	switch {
	case errors.As(err, &forbidden), errors.Is(err, ErrUnknownRole):
		return "forbidden"
	case errors.Is(err, ErrStageNotInFlow), errors.Is(err, ErrBatchNotInOrder):
		return "invalid"
	}
	return "error"
}

func (e Engine) journal(ctx context.Context, rec events.Record) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	id, err := w.Append(ctx, tx, rec)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", rec.Type, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// EventQuery filters the journal tail.
type EventQuery struct {
	Limit   int
	Type    string
	OrderID string
	BatchID string
	Before  int64
}

// ListEvents returns journal entries newest first.
func (e Engine) ListEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, repo.EventFilter{
		Type:    q.Type,
		OrderID: q.OrderID,
		BatchID: q.BatchID,
		Before:  q.Before,
	})
}

// CreateAPIKey issues a new key for actorID acting as role. The plaintext
// key is returned once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, role, name, createdBy string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor is required")
	}
	if err := e.checkRole(role); err != nil {
		return domain.APIKey{}, "", err
	}
	if createdBy == "" {
		createdBy = actorID
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "bl_" + hex.EncodeToString(secret)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Role:      role,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if _, err := w.Append(ctx, tx, events.Record{
		Type: events.APIKeyCreated, ActorID: createdBy,
		Payload: events.EventPayload{"key_id": key.ID, "actor_id": actorID, "role": role},
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// DeleteAPIKey revokes a key and journals the revocation.
func (e Engine) DeleteAPIKey(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	if actorID == "" {
		actorID = "cli"
	}
	_, err := e.journal(ctx, events.Record{Type: events.APIKeyDeleted, ActorID: actorID, Payload: events.EventPayload{"key_id": id}})
	return err
}
