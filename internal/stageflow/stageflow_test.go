package stageflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStages() []Stage {
	return []Stage{
		{ID: "11", SequenceOrder: 10},
		{ID: "12", SequenceOrder: 20},
		{ID: "13", SequenceOrder: 30},
		{ID: "14", SequenceOrder: 40},
	}
}

func notesBatch(status, notes string) Batch {
	return Batch{TopLevelStatus: status, Annotations: Notes(notes)}
}

func TestDecodeStageStatus(t *testing.T) {
	tests := []struct {
		name    string
		notes   string
		stageID string
		want    Status
		found   bool
	}{
		{name: "empty notes", notes: "", stageID: "1"},
		{name: "free text only", notes: "moved to bay 3, checked by QA", stageID: "1"},
		{name: "marker in progress", notes: "PROCESS_1_STATUS:in_progress;", stageID: "1", want: StatusInProgress, found: true},
		{name: "marker completed", notes: "note PROCESS_1_STATUS:completed; more", stageID: "1", want: StatusCompleted, found: true},
		{name: "marker for other stage", notes: "PROCESS_2_STATUS:completed;", stageID: "1"},
		{name: "id prefix does not match", notes: "PROCESS_42_STATUS:completed;", stageID: "4"},
		{name: "marker missing terminator", notes: "PROCESS_1_STATUS:completed", stageID: "1"},
		{name: "marker is case sensitive", notes: "process_1_status:completed;", stageID: "1"},
		{name: "later completed wins", notes: "PROCESS_1_STATUS:in_progress;PROCESS_1_STATUS:completed;", stageID: "1", want: StatusCompleted, found: true},
		{name: "later in progress wins", notes: "PROCESS_1_STATUS:completed;PROCESS_1_STATUS:in_progress;", stageID: "1", want: StatusInProgress, found: true},
		{name: "legacy completed", notes: "{'process_42': {'status': 'completed'}}", stageID: "42", want: StatusCompleted, found: true},
		{name: "legacy in progress", notes: "x {'process_7': {'status': 'in_progress', 'by': 'sup'}} y", stageID: "7", want: StatusInProgress, found: true},
		{name: "legacy status outside block", notes: "{'process_7': {'by': 'sup'}, 'process_8': {'status': 'completed'}}", stageID: "7"},
		{name: "legacy without closing brace", notes: "'process_7': {'status': 'completed'", stageID: "7", want: StatusCompleted, found: true},
		{name: "legacy unknown status", notes: "{'process_7': {'status': 'paused'}}", stageID: "7"},
		{name: "new encoding beats legacy", notes: "{'process_5': {'status': 'in_progress'}} PROCESS_5_STATUS:completed;", stageID: "5", want: StatusCompleted, found: true},
		{name: "empty stage id", notes: "PROCESS__STATUS:completed;", stageID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := DecodeStageStatus(tt.notes, tt.stageID)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeStageStatusDeterministic(t *testing.T) {
	notes := "PROCESS_3_STATUS:in_progress; {'process_4': {'status': 'completed'}}"
	for _, id := range []string{"3", "4", "5"} {
		st1, ok1 := DecodeStageStatus(notes, id)
		st2, ok2 := DecodeStageStatus(notes, id)
		assert.Equal(t, st1, st2)
		assert.Equal(t, ok1, ok2)
	}
}

func TestEncodeStageStatusRoundTrip(t *testing.T) {
	notes := "operator: check torque"
	notes = EncodeStageStatus(notes, "9", StatusInProgress)
	st, ok := DecodeStageStatus(notes, "9")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, st)

	notes = EncodeStageStatus(notes, "9", StatusCompleted)
	st, ok = DecodeStageStatus(notes, "9")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st)

	assert.Equal(t, notes, EncodeStageStatus(notes, "9", StatusAvailable))
	assert.Contains(t, notes, "operator: check torque")
}

func TestDecodeAll(t *testing.T) {
	notes := "PROCESS_11_STATUS:completed;{'process_12': {'status': 'in_progress'}}"
	got := DecodeAll(notes, []string{"11", "12", "13"})
	assert.Equal(t, StatusMap{"11": StatusCompleted, "12": StatusInProgress}, got)
}

func TestDecodeNotesFindsStagesWithoutFlow(t *testing.T) {
	notes := "shift B: PROCESS_11_STATUS:completed; PROCESS_a_b_STATUS:in_progress; " +
		"{'process_12': {'status': 'in_progress'}, 'process_13': {'note': 'x'}} PROCESS_PROCESS_9_STATUS:completed;"
	got := DecodeNotes(notes)
	assert.Equal(t, StatusMap{
		"11":        StatusCompleted,
		"a_b":       StatusInProgress,
		"12":        StatusInProgress,
		"9":         StatusCompleted,
		"PROCESS_9": StatusCompleted,
	}, got)
	assert.Empty(t, DecodeNotes(""))
	assert.Empty(t, DecodeNotes("PROCESS_ without end"))
}

func TestStatusMapIgnoresInferredStatuses(t *testing.T) {
	m := StatusMap{"1": StatusAvailable, "2": StatusCompleted}
	_, ok := m.StageStatus("1")
	assert.False(t, ok)
	st, ok := m.StageStatus("2")
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, st)
}

func TestResolveStageStatus(t *testing.T) {
	stages := testStages()
	s1, s2, s3 := stages[0], stages[1], stages[2]

	t.Run("first stage available for created batch", func(t *testing.T) {
		b := notesBatch(BatchCreated, "")
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s1, stages[:2]))
	})
	t.Run("first stage available for in_process batch", func(t *testing.T) {
		b := notesBatch(BatchInProcess, "")
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s1, stages))
	})
	t.Run("first stage waits for other batch statuses", func(t *testing.T) {
		b := notesBatch("on_hold", "")
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, s1, stages))
	})
	t.Run("later stage waits by default", func(t *testing.T) {
		b := notesBatch(BatchCreated, "")
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, s2, stages))
	})
	t.Run("chained completion unlocks next stage", func(t *testing.T) {
		b := notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;")
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s3, stages[:3]))
	})
	t.Run("partial completion blocks", func(t *testing.T) {
		b := notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;")
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, s3, stages[:3]))
	})
	t.Run("in progress predecessor blocks", func(t *testing.T) {
		b := notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;PROCESS_12_STATUS:in_progress;")
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, s3, stages))
		assert.Equal(t, StatusInProgress, ResolveStageStatus(b, s2, stages))
	})
	t.Run("explicit annotation overrides inference", func(t *testing.T) {
		b := notesBatch("on_hold", "PROCESS_13_STATUS:in_progress;")
		assert.Equal(t, StatusInProgress, ResolveStageStatus(b, s3, stages))
	})
	t.Run("legacy predecessors count", func(t *testing.T) {
		b := notesBatch(BatchInProcess, "{'process_11': {'status': 'completed'}, 'process_12': {'status': 'completed'}}")
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s3, stages))
	})
	t.Run("unsorted input is ordered by sequence", func(t *testing.T) {
		shuffled := []Stage{s3, s1, s2}
		b := notesBatch(BatchCreated, "PROCESS_11_STATUS:completed;")
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s2, shuffled))
		assert.Equal(t, []Stage{s3, s1, s2}, shuffled)
	})
	t.Run("stage outside flow waits", func(t *testing.T) {
		b := notesBatch(BatchCreated, "")
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, Stage{ID: "99"}, stages))
	})
	t.Run("nil annotations", func(t *testing.T) {
		b := Batch{TopLevelStatus: BatchCreated}
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s1, stages))
		assert.Equal(t, StatusWaiting, ResolveStageStatus(b, s2, stages))
	})
	t.Run("structured map", func(t *testing.T) {
		b := Batch{TopLevelStatus: BatchCreated, Annotations: StatusMap{"11": StatusCompleted}}
		assert.Equal(t, StatusCompleted, ResolveStageStatus(b, s1, stages))
		assert.Equal(t, StatusAvailable, ResolveStageStatus(b, s2, stages))
	})
}

func TestComputeProgress(t *testing.T) {
	stages := testStages()
	markers := []string{
		"",
		"PROCESS_11_STATUS:completed;",
		"PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;",
		"PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;PROCESS_13_STATUS:completed;",
		"PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;PROCESS_13_STATUS:completed;PROCESS_14_STATUS:completed;",
	}
	for i, notes := range markers {
		assert.Equal(t, i*25, ComputeProgress(notesBatch(BatchInProcess, notes), stages), "completed=%d", i)
	}
}

func TestComputeProgressRoundsAndIgnoresInProgress(t *testing.T) {
	stages := testStages()[:3]
	b := notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;PROCESS_12_STATUS:in_progress;")
	assert.Equal(t, 33, ComputeProgress(b, stages))
	b = notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;")
	assert.Equal(t, 67, ComputeProgress(b, stages))
}

func TestComputeProgressEmptyFlow(t *testing.T) {
	assert.Equal(t, 0, ComputeProgress(notesBatch(BatchCreated, "PROCESS_1_STATUS:completed;"), nil))
	assert.Equal(t, 0, ComputeProgress(notesBatch(BatchCreated, ""), []Stage{}))
}

func TestCurrentStage(t *testing.T) {
	stages := testStages()
	cur, ok := CurrentStage(notesBatch(BatchInProcess, "PROCESS_11_STATUS:completed;"), stages)
	require.True(t, ok)
	assert.Equal(t, "12", cur.ID)

	all := "PROCESS_11_STATUS:completed;PROCESS_12_STATUS:completed;PROCESS_13_STATUS:completed;PROCESS_14_STATUS:completed;"
	_, ok = CurrentStage(notesBatch(BatchInProcess, all), stages)
	assert.False(t, ok)

	_, ok = CurrentStage(notesBatch(BatchInProcess, ""), nil)
	assert.False(t, ok)
}

func TestAuthorizer(t *testing.T) {
	assert.False(t, CanStart(StatusAvailable, RoleOperator))
	assert.True(t, CanStart(StatusAvailable, RoleSupervisor))
	assert.False(t, CanStart(StatusWaiting, RoleSupervisor))
	assert.False(t, CanStart(StatusInProgress, RoleSupervisor))
	assert.False(t, CanStart(Status("AVAILABLE"), RoleSupervisor))
	assert.False(t, CanStart(StatusAvailable, "Supervisor"))
	assert.False(t, CanStart(StatusAvailable, ""))

	assert.True(t, CanComplete(StatusInProgress, RoleSupervisor))
	assert.False(t, CanComplete(StatusWaiting, RoleSupervisor))
	assert.False(t, CanComplete(StatusCompleted, RoleSupervisor))
	assert.False(t, CanComplete(StatusInProgress, RoleManager))

	for _, role := range Roles {
		if role == RoleSupervisor {
			continue
		}
		assert.False(t, CanStart(StatusAvailable, role), role)
		assert.False(t, CanComplete(StatusInProgress, role), role)
	}
}

func TestStatusIsValid(t *testing.T) {
	for _, st := range []Status{StatusWaiting, StatusAvailable, StatusInProgress, StatusCompleted} {
		assert.True(t, st.IsValid(), st)
	}
	assert.False(t, Status("done").IsValid())
}
