// Package syncengine keeps local issues and their Forge mirrors
// consistent. Both directions are idempotent and default to dry-run;
// every decision leaves an audit row and conflicts are persisted, never
// auto-resolved.
package syncengine

import (
	"context"
	"time"

	"github.com/afu9/control-center/internal/statemachine"
)

// Conflict types.
const (
	ConflictStateDivergence      = "STATE_DIVERGENCE"
	ConflictTransitionNotAllowed = "TRANSITION_NOT_ALLOWED"
	ConflictPreconditionFailed   = "PRECONDITION_FAILED"
	ConflictEvidenceMissing      = "EVIDENCE_MISSING"
	ConflictManualOverride       = "MANUAL_OVERRIDE_BLOCKED"
)

// Audit event types.
const (
	AuditForgeToLocal = "FORGE_TO_LOCAL"
	AuditLocalToForge = "LOCAL_TO_FORGE"
	AuditConflict     = "CONFLICT"
	AuditSweep        = "SWEEP"
)

// Options steer one sync call.
type Options struct {
	// DryRun is the default. A sync only writes when explicitly disabled.
	DryRun bool
	// AllowManualOverride lets the sync move an issue whose
	// executionOverride flag is set.
	AllowManualOverride bool
	Actor               string
}

// Outcome reports what one directional sync did (or would do, in dry-run).
type Outcome struct {
	IssueID       string                   `json:"issueId"`
	Direction     string                   `json:"direction"`
	DryRun        bool                     `json:"dryRun"`
	FromStatus    statemachine.LocalStatus `json:"fromStatus"`
	TargetStatus  statemachine.LocalStatus `json:"targetStatus"`
	Applied       bool                     `json:"applied"`
	Conflict      *Conflict                `json:"conflict,omitempty"`
	LabelsAdded   []string                 `json:"labelsAdded,omitempty"`
	LabelsRemoved []string                 `json:"labelsRemoved,omitempty"`
}

// AuditEvent is one row in the sync audit trail. EventHash buckets
// timestamps into 5-minute windows so replays within a window dedupe.
type AuditEvent struct {
	ID               string                 `json:"id"`
	EventType        string                 `json:"eventType"`
	IssueID          string                 `json:"issueId"`
	ForgeIssueNumber int                    `json:"forgeIssueNumber"`
	EventHash        string                 `json:"eventHash"`
	DryRun           bool                   `json:"dryRun"`
	Payload          map[string]interface{} `json:"payload,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Conflict is a persisted disagreement between local and Forge state.
type Conflict struct {
	ID           string                   `json:"id"`
	IssueID      string                   `json:"issueId"`
	ConflictType string                   `json:"conflictType"`
	LocalStatus  statemachine.LocalStatus `json:"localStatus"`
	MirrorStatus statemachine.MirrorStatus `json:"mirrorStatus"`
	Detail       string                   `json:"detail,omitempty"`
	Resolved     bool                     `json:"resolved"`
	CreatedAt    time.Time                `json:"createdAt"`
	ResolvedAt   *time.Time               `json:"resolvedAt,omitempty"`
}

// AuditStore persists audit events and conflicts.
type AuditStore interface {
	// RecordAudit inserts the event unless its hash was already seen;
	// returns true when the row was inserted.
	RecordAudit(ctx context.Context, ev *AuditEvent) (bool, error)
	ListAudit(ctx context.Context, issueID string, limit int) ([]*AuditEvent, error)
	RecordConflict(ctx context.Context, c *Conflict) (*Conflict, error)
	ListConflicts(ctx context.Context, issueID string, unresolvedOnly bool) ([]*Conflict, error)
	ResolveConflict(ctx context.Context, id string) error
}

// SweepResult aggregates one full sweep over open issues.
type SweepResult struct {
	SyncedIssues       int `json:"syncedIssues"`
	FailedIssues       int `json:"failedIssues"`
	ConflictsDetected  int `json:"conflictsDetected"`
	TransitionsBlocked int `json:"transitionsBlocked"`
}
