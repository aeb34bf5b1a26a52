// Package stageflow infers where a batch sits in a manufacturing process flow.
//
// Every function in this package is pure: it never mutates its inputs, holds no
// state between calls and is safe for concurrent use.
package stageflow

// Status is the state of a batch in one stage of a flow.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusAvailable  Status = "available"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func (s Status) String() string { return string(s) }

// IsValid reports whether s is one of the four flow statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusAvailable, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// explicit reports whether s can be recorded as an annotation on a batch.
func (s Status) explicit() bool {
	return s == StatusInProgress || s == StatusCompleted
}

// Batch top-level statuses that make the first stage of a flow available.
const (
	BatchCreated   = "created"
	BatchInProcess = "in_process"
)

// Stage is one step of a flow. Only ID and SequenceOrder take part in resolution.
type Stage struct {
	ID            string
	SequenceOrder int
}

// Batch is the input the resolver needs about a batch.
type Batch struct {
	TopLevelStatus string
	Annotations    Annotations
}

func (b Batch) annotation(stageID string) (Status, bool) {
	if b.Annotations == nil {
		return "", false
	}
	st, ok := b.Annotations.StageStatus(stageID)
	if !ok || !st.explicit() {
		return "", false
	}
	return st, true
}
