package auth

import (
	"fmt"

	"batchline/internal/stageflow"
)

// Stage actions a caller may request.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
)

// ForbiddenError indicates the caller's role may not perform the action on a
// stage in its current status.
type ForbiddenError struct {
	Action string
	Role   string
	Status stageflow.Status
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %q may not %s a stage that is %s", e.Role, e.Action, e.Status)
}

// Authorize returns nil when role may perform action on a stage in status st.
// Unknown actions are denied.
func Authorize(action, role string, st stageflow.Status) error {
	var ok bool
	switch action {
	case ActionStart:
		ok = stageflow.CanStart(st, role)
	case ActionComplete:
		ok = stageflow.CanComplete(st, role)
	}
	if !ok {
		return ForbiddenError{Action: action, Role: role, Status: st}
	}
	return nil
}

// Actions lists the actions role may take on a stage in status st.
func Actions(role string, st stageflow.Status) []string {
	var out []string
	if stageflow.CanStart(st, role) {
		out = append(out, ActionStart)
	}
	if stageflow.CanComplete(st, role) {
		out = append(out, ActionComplete)
	}
	return out
}
