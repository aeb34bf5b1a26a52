package stageflow

import "strings"

// Annotations yields the explicit status recorded for a stage, if any.
type Annotations interface {
	StageStatus(stageID string) (Status, bool)
}

// Notes reads annotations straight out of a batch notes string.
type Notes string

func (n Notes) StageStatus(stageID string) (Status, bool) {
	return DecodeStageStatus(string(n), stageID)
}

// StatusMap is the structured form of a batch's annotations keyed by stage ID.
type StatusMap map[string]Status

func (m StatusMap) StageStatus(stageID string) (Status, bool) {
	st, ok := m[stageID]
	if !ok || !st.explicit() {
		return "", false
	}
	return st, true
}

func markerPrefix(stageID string) string {
	return "PROCESS_" + stageID + "_STATUS:"
}

func marker(stageID string, st Status) string {
	return markerPrefix(stageID) + string(st) + ";"
}

const (
	legacyInProgress = "'status': 'in_progress'"
	legacyCompleted  = "'status': 'completed'"
)

// DecodeStageStatus returns the status annotated for stageID in notes.
//
// The PROCESS_<id>_STATUS:<status>; marker is checked first. When both the
// in_progress and the completed marker are present, the one that appears last
// in notes wins. Otherwise the legacy 'process_<id>' mapping is searched up to
// the next closing brace. Anything else means no annotation.
func DecodeStageStatus(notes, stageID string) (Status, bool) {
	if notes == "" || stageID == "" {
		return "", false
	}
	if st, ok := decodeMarker(notes, stageID); ok {
		return st, true
	}
	return decodeLegacy(notes, stageID)
}

func decodeMarker(notes, stageID string) (Status, bool) {
	inProgress := strings.LastIndex(notes, marker(stageID, StatusInProgress))
	completed := strings.LastIndex(notes, marker(stageID, StatusCompleted))
	switch {
	case inProgress < 0 && completed < 0:
		return "", false
	case completed > inProgress:
		return StatusCompleted, true
	default:
		return StatusInProgress, true
	}
}

func decodeLegacy(notes, stageID string) (Status, bool) {
	start := strings.Index(notes, "'process_"+stageID+"'")
	if start < 0 {
		return "", false
	}
	block := notes[start:]
	if end := strings.IndexByte(block, '}'); end >= 0 {
		block = block[:end+1]
	}
	switch {
	case strings.Contains(block, legacyInProgress):
		return StatusInProgress, true
	case strings.Contains(block, legacyCompleted):
		return StatusCompleted, true
	}
	return "", false
}

// DecodeAll decodes the annotation of every listed stage. Stages without an
// annotation are absent from the result.
func DecodeAll(notes string, stageIDs []string) StatusMap {
	out := StatusMap{}
	for _, id := range stageIDs {
		if st, ok := DecodeStageStatus(notes, id); ok {
			out[id] = st
		}
	}
	return out
}

// DecodeNotes decodes every stage annotated in notes, in either encoding,
// without knowing the flow's stage IDs up front.
func DecodeNotes(notes string) StatusMap {
	return DecodeAll(notes, annotatedStageIDs(notes))
}

// annotatedStageIDs lists candidate stage IDs named by markers or legacy keys.
// Candidates are confirmed by DecodeStageStatus, so over-matching is harmless.
func annotatedStageIDs(notes string) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	scan := func(prefix, suffix string) {
		for i := 0; ; {
			start := strings.Index(notes[i:], prefix)
			if start < 0 {
				return
			}
			start += i + len(prefix)
			if end := strings.Index(notes[start:], suffix); end >= 0 {
				add(notes[start : start+end])
			}
			i = start - len(prefix) + 1
		}
	}
	scan("PROCESS_", "_STATUS:")
	scan("'process_", "'")
	return ids
}

// EncodeStageStatus appends a marker recording st for stageID. Because the
// last marker wins on decode, the appended value supersedes earlier ones.
// Statuses other than in_progress and completed leave notes unchanged.
func EncodeStageStatus(notes, stageID string, st Status) string {
	if stageID == "" || !st.explicit() {
		return notes
	}
	return notes + marker(stageID, st)
}
