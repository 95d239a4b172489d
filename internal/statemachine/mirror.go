package statemachine

import "strings"

// labelToMirror maps project labels to mirror statuses. Checked in order
// so the strongest signal wins when several labels are present.
var labelToMirror = []struct {
	label  string
	status MirrorStatus
}{
	{"status:done", MirrorDone},
	{"status:in-review", MirrorInReview},
	{"status:in-progress", MirrorInProgress},
	{"status:blocked", MirrorBlocked},
	{"status:todo", MirrorTodo},
}

// projectToMirror maps Forge project-board column names.
var projectToMirror = map[string]MirrorStatus{
	"todo":        MirrorTodo,
	"backlog":     MirrorTodo,
	"in progress": MirrorInProgress,
	"in review":   MirrorInReview,
	"done":        MirrorDone,
	"blocked":     MirrorBlocked,
}

// ExtractMirrorStatus classifies the Forge-side state of an issue.
// Priority: project board column, then labels, then the bare issue state.
// A bare "closed" classifies as CLOSED, never DONE: closing an issue on
// the Forge does not certify delivery.
func ExtractMirrorStatus(projectStatus string, labels []string, issueState string) MirrorStatus {
	if projectStatus != "" {
		if status, ok := projectToMirror[strings.ToLower(strings.TrimSpace(projectStatus))]; ok {
			return status
		}
	}
	labelSet := make(map[string]bool, len(labels))
	for _, l := range labels {
		labelSet[strings.ToLower(strings.TrimSpace(l))] = true
	}
	for _, entry := range labelToMirror {
		if labelSet[entry.label] {
			return entry.status
		}
	}
	switch strings.ToLower(strings.TrimSpace(issueState)) {
	case "open":
		return MirrorOpen
	case "closed":
		return MirrorClosed
	case "":
		return MirrorUnknown
	default:
		return MirrorError
	}
}

// StatusLabels returns the project labels that advertise a local status
// on the Forge. Used by local → Forge label sync.
func StatusLabels(local LocalStatus) []string {
	switch local {
	case StatusSpecReady, StatusCreated, StatusActive:
		return []string{"status:todo"}
	case StatusImplementing, StatusImplementingPrep:
		return []string{"status:in-progress"}
	case StatusReviewReady, StatusMergeReady, StatusVerified:
		return []string{"status:in-review"}
	case StatusDone:
		return []string{"status:done"}
	case StatusHold:
		return []string{"status:blocked"}
	default:
		return nil
	}
}

// AllStatusLabels is every label the sync engine manages. Labels outside
// this set are never touched.
func AllStatusLabels() []string {
	return []string{"status:todo", "status:in-progress", "status:in-review", "status:done", "status:blocked"}
}
