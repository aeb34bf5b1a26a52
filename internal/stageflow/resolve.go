package stageflow

import (
	"math"
	"sort"
)

// SortStages returns a copy of stages ordered by ascending SequenceOrder.
func SortStages(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out
}

// ResolveStageStatus computes the status of b in stage.
//
// An explicit annotation always wins. Without one, the first stage of the flow
// is available while the batch is created or in_process, and any later stage
// is available only once every preceding stage is completed. A stage missing
// from ordered resolves to waiting.
func ResolveStageStatus(b Batch, stage Stage, ordered []Stage) Status {
	if st, ok := b.annotation(stage.ID); ok {
		return st
	}
	sorted := SortStages(ordered)
	idx := -1
	for i, s := range sorted {
		if s.ID == stage.ID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		return StatusWaiting
	case idx == 0:
		if b.TopLevelStatus == BatchCreated || b.TopLevelStatus == BatchInProcess {
			return StatusAvailable
		}
		return StatusWaiting
	}
	for _, prev := range sorted[:idx] {
		if st, ok := b.annotation(prev.ID); !ok || st != StatusCompleted {
			return StatusWaiting
		}
	}
	return StatusAvailable
}

// ComputeProgress returns the share of stages annotated completed, as a
// rounded percentage in [0, 100].
func ComputeProgress(b Batch, ordered []Stage) int {
	if len(ordered) == 0 {
		return 0
	}
	completed := 0
	for _, s := range ordered {
		if st, ok := b.annotation(s.ID); ok && st == StatusCompleted {
			completed++
		}
	}
	return int(math.Round(100 * float64(completed) / float64(len(ordered))))
}

// CurrentStage returns the first stage in sequence order that is not
// completed. ok is false when the flow is empty or fully completed.
func CurrentStage(b Batch, ordered []Stage) (Stage, bool) {
	for _, s := range SortStages(ordered) {
		if st, ok := b.annotation(s.ID); ok && st == StatusCompleted {
			continue
		}
		return s, true
	}
	return Stage{}, false
}
