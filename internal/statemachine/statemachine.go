// Package statemachine is the pure delivery-stage state machine: the
// status alphabets, the transition graph and the effective-status
// precedence rules. It holds no state and touches no storage.
package statemachine

// LocalStatus is the authoritative delivery stage of an issue.
type LocalStatus string

const (
	StatusCreated          LocalStatus = "CREATED"
	StatusActive           LocalStatus = "ACTIVE"
	StatusSpecReady        LocalStatus = "SPEC_READY"
	StatusImplementingPrep LocalStatus = "IMPLEMENTING_PREP"
	StatusImplementing     LocalStatus = "IMPLEMENTING"
	StatusReviewReady      LocalStatus = "REVIEW_READY"
	StatusVerified         LocalStatus = "VERIFIED"
	StatusMergeReady       LocalStatus = "MERGE_READY"
	StatusDone             LocalStatus = "DONE"
	StatusHold             LocalStatus = "HOLD"
	StatusKilled           LocalStatus = "KILLED"
)

// MirrorStatus is the raw classifier output from the Forge side.
type MirrorStatus string

const (
	MirrorTodo       MirrorStatus = "TODO"
	MirrorInProgress MirrorStatus = "IN_PROGRESS"
	MirrorInReview   MirrorStatus = "IN_REVIEW"
	MirrorDone       MirrorStatus = "DONE"
	MirrorBlocked    MirrorStatus = "BLOCKED"
	MirrorOpen       MirrorStatus = "OPEN"
	MirrorClosed     MirrorStatus = "CLOSED"
	MirrorError      MirrorStatus = "ERROR"
	MirrorUnknown    MirrorStatus = "UNKNOWN"
)

// ExecutionState tracks whether an agent is working the issue right now.
type ExecutionState string

const (
	ExecIdle    ExecutionState = "IDLE"
	ExecReady   ExecutionState = "READY"
	ExecRunning ExecutionState = "RUNNING"
	ExecFailed  ExecutionState = "FAILED"
)

// validTransitions is the full transition graph. HOLD parks an issue and
// releases back into the working states; DONE and KILLED never transition.
var validTransitions = map[LocalStatus]map[LocalStatus]bool{
	StatusCreated: {
		StatusActive: true,
		StatusHold:   true,
		StatusKilled: true,
	},
	StatusActive: {
		StatusSpecReady: true,
		StatusHold:      true,
		StatusKilled:    true,
	},
	StatusSpecReady: {
		StatusImplementingPrep: true,
		StatusHold:             true,
		StatusKilled:           true,
	},
	StatusImplementingPrep: {
		StatusImplementing: true,
		StatusReviewReady:  true,
		StatusHold:         true,
		StatusKilled:       true,
	},
	StatusImplementing: {
		StatusReviewReady: true,
		StatusVerified:    true,
		StatusHold:        true,
		StatusKilled:      true,
	},
	StatusReviewReady: {
		StatusMergeReady: true,
		StatusVerified:   true,
		StatusHold:       true,
		StatusKilled:     true,
	},
	StatusVerified: {
		StatusMergeReady: true,
		StatusDone:       true,
		StatusHold:       true,
		StatusKilled:     true,
	},
	StatusMergeReady: {
		StatusDone:   true,
		StatusHold:   true,
		StatusKilled: true,
	},
	StatusHold: {
		StatusActive:       true,
		StatusImplementing: true,
		StatusReviewReady:  true,
		StatusKilled:       true,
	},
	StatusDone:   {},
	StatusKilled: {},
}

// IsValid reports whether from → to appears in the transition graph.
// Unknown states always block.
func IsValid(from, to LocalStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsKnown reports whether s is a member of the LocalStatus alphabet.
func IsKnown(s LocalStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s accepts no further transitions.
func IsTerminal(s LocalStatus) bool {
	targets, ok := validTransitions[s]
	return ok && len(targets) == 0
}

// TargetsFrom returns the allowed targets from a status.
func TargetsFrom(from LocalStatus) []LocalStatus {
	var out []LocalStatus
	for to := range validTransitions[from] {
		out = append(out, to)
	}
	return out
}

// mirrorToLocal maps classified mirror statuses onto local stages. Bare
// OPEN/CLOSED/ERROR carry no stage information and do not map; in
// particular a closed Forge issue never implies DONE.
var mirrorToLocal = map[MirrorStatus]LocalStatus{
	MirrorTodo:       StatusSpecReady,
	MirrorInProgress: StatusImplementing,
	MirrorInReview:   StatusMergeReady,
	MirrorDone:       StatusDone,
	MirrorBlocked:    StatusHold,
}

// MirrorToLocal returns the local stage a mirror status maps to, if any.
func MirrorToLocal(m MirrorStatus) (LocalStatus, bool) {
	local, ok := mirrorToLocal[m]
	return local, ok
}

// EffectiveStatus is the display status. A running execution pins the
// local status; otherwise a mapped mirror status wins; otherwise local.
func EffectiveStatus(local LocalStatus, mirror MirrorStatus, exec ExecutionState) LocalStatus {
	if exec == ExecRunning {
		return local
	}
	if mapped, ok := mirrorToLocal[mirror]; ok {
		return mapped
	}
	return local
}
