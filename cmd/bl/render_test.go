package main

import (
	"bytes"
	"strings"
	"testing"

	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/stageflow"
)

func TestRenderBoard(t *testing.T) {
	stages := []domain.Stage{
		{ID: "11", SequenceOrder: 1, Name: "Dispensing"},
		{ID: "12", SequenceOrder: 2, Code: "GRN"},
		{ID: "13", SequenceOrder: 3},
	}
	b := domain.Batch{ID: "100", BatchID: "B-100", Status: "in_progress",
		StageStatuses: map[string]stageflow.Status{"11": stageflow.StatusCompleted}}
	bf := engine.ResolveBatch(b, stages, stageflow.RoleSupervisor)
	board := domain.FlowBoard{Stages: stages, Batches: []domain.BatchFlow{bf}, Progress: bf.Progress}

	var buf bytes.Buffer
	renderBoard(&buf, board)
	out := strings.ToLower(buf.String())
	for _, want := range []string{"dispensing", "grn", "13", "b-100", "completed", "available *", "waiting", "33%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("board output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderBatchMarksCurrentStage(t *testing.T) {
	stages := []domain.Stage{{ID: "1", SequenceOrder: 1, Name: "Mixing"}, {ID: "2", SequenceOrder: 2, Name: "Filling"}}
	b := domain.Batch{ID: "5", BatchID: "B-5", Status: "in_progress",
		StageStatuses: map[string]stageflow.Status{"1": stageflow.StatusInProgress}}
	bf := engine.ResolveBatch(b, stages, stageflow.RoleManager)

	var buf bytes.Buffer
	renderBatch(&buf, bf, stages)
	out := strings.ToLower(buf.String())
	if !strings.Contains(out, "b-5 (0%)") || strings.Contains(out, "%!") {
		t.Fatalf("missing or misformatted title:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "mixing") && !strings.Contains(line, "<") {
			t.Fatalf("current stage not marked: %q", line)
		}
		if strings.Contains(line, "filling") && strings.Contains(line, "<") {
			t.Fatalf("waiting stage marked current: %q", line)
		}
	}
}
