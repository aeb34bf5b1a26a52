package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchline/internal/stageflow"
)

func TestBatchDecodesNumericIDsAndQuotedQuantities(t *testing.T) {
	raw := `{"id": 42, "batch_id": "B-0042", "manufacturing_order": 7, "mo_id": "MO-7", "status": "in_process",
		"notes": "PROCESS_3_STATUS:completed;", "planned_quantity": "125.50"}`
	var b Batch
	require.NoError(t, json.Unmarshal([]byte(raw), &b))
	assert.Equal(t, ID("42"), b.ID)
	assert.Equal(t, ID("7"), b.OrderID)
	assert.Equal(t, "MO-7", b.MONumber)
	assert.Equal(t, Quantity(125.5), b.PlannedQuantity)
}

func TestIDRejectsObjects(t *testing.T) {
	var id ID
	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &id))
	require.NoError(t, json.Unmarshal([]byte(`null`), &id))
	assert.Equal(t, ID(""), id)
}

func TestBatchFlowUsesStructuredStatuses(t *testing.T) {
	b := Batch{
		Status:        stageflow.BatchInProcess,
		Notes:         "PROCESS_1_STATUS:completed;",
		StageStatuses: map[string]stageflow.Status{"2": stageflow.StatusInProgress},
	}
	stages := FlowStages([]Stage{{ID: "1", SequenceOrder: 1}, {ID: "2", SequenceOrder: 2}})
	fb := b.Flow()
	assert.Equal(t, stageflow.StatusAvailable, stageflow.ResolveStageStatus(fb, stages[0], stages))
	assert.Equal(t, stageflow.StatusInProgress, stageflow.ResolveStageStatus(fb, stages[1], stages))
}
