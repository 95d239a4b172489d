// Package store persists the operational state of the control plane:
// issues and their event log, runs, deploys, verdicts, incidents and
// outcome records. Two implementations exist side by side: Postgres for
// production and an in-memory store with identical semantics for tests
// and database-disabled development.
package store

import (
	"regexp"
	"time"

	"github.com/afu9/control-center/internal/statemachine"
)

// Priority levels for issues.
const (
	PriorityP0 = "P0"
	PriorityP1 = "P1"
	PriorityP2 = "P2"
)

// Handoff states track whether an issue has been mirrored to the Forge.
const (
	HandoffNotSent = "NOT_SENT"
	HandoffSent    = "SENT"
	HandoffSynced  = "SYNCED"
	HandoffFailed  = "FAILED"
)

// canonicalIDPattern matches I<digits> or E<digits>.<digits>.
var canonicalIDPattern = regexp.MustCompile(`^(I\d+|E\d+\.\d+)$`)

// ValidCanonicalID reports whether id has the canonical form.
func ValidCanonicalID(id string) bool {
	return canonicalIDPattern.MatchString(id)
}

// Issue is a unit of work moving through the delivery stages.
type Issue struct {
	ID          string `json:"id"`
	PublicID    string `json:"publicId"`
	CanonicalID string `json:"canonicalId,omitempty"`
	Title       string `json:"title"`
	Priority    string `json:"priority"`

	Status         statemachine.LocalStatus    `json:"status"`
	MirrorStatus   statemachine.MirrorStatus   `json:"forgeMirrorStatus"`
	ExecutionState statemachine.ExecutionState `json:"executionState"`
	HandoffState   string                      `json:"handoffState"`

	Labels             []string `json:"labels,omitempty"`
	Scope              string   `json:"scope,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	Notes              string   `json:"notes,omitempty"`

	ForgeRepo        string `json:"forgeRepo,omitempty"`
	ForgeIssueNumber int    `json:"forgeIssueNumber,omitempty"`
	ForgeURL         string `json:"forgeUrl,omitempty"`
	PRNumber         int    `json:"prNumber,omitempty"`
	PRURL            string `json:"prUrl,omitempty"`
	PRBranch         string `json:"prBranch,omitempty"`

	LawbookVersion    string `json:"lawbookVersion,omitempty"`
	ExecutionOverride bool   `json:"executionOverride"`

	// Evidence anchors consulted by transition preconditions.
	VerificationHash string `json:"verificationHash,omitempty"`

	SpecReadyAt *time.Time `json:"specReadyAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Issue event types synthesised by the store.
const (
	EventCreated             = "CREATED"
	EventStatusChanged       = "STATUS_CHANGED"
	EventHandoffStateChanged = "HANDOFF_STATE_CHANGED"
	EventVerdictSet          = "VERDICT_SET"
	EventSyncAction          = "SYNC_ACTION"
	EventError               = "ERROR"
)

// ActorSystem marks events produced by the control plane itself.
const ActorSystem = "SYSTEM"

// IssueEvent is one append-only row in an issue's event log.
type IssueEvent struct {
	ID        string                 `json:"id"`
	IssueID   string                 `json:"issueId"`
	EventType string                 `json:"eventType"`
	Actor     string                 `json:"actor"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Run statuses.
const (
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// Run groups ordered steps and produced artifacts.
type Run struct {
	ID         string     `json:"id"`
	IssueID    string     `json:"issueId"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RunStep is one ordered step within a run.
type RunStep struct {
	ID         string `json:"id"`
	RunID      string `json:"runId"`
	Idx        int    `json:"idx"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
}

// RunArtifact is a produced artifact, immutable after run completion.
type RunArtifact struct {
	ID     string `json:"id"`
	RunID  string `json:"runId"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
	URL    string `json:"url,omitempty"`
}

// DeployEvent records one deployment; never mutated after insertion.
type DeployEvent struct {
	ID         string    `json:"id"`
	Env        string    `json:"env"`
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PolicySnapshot is the immutable record of the lawbook version in effect
// when a verdict was rendered.
type PolicySnapshot struct {
	ID        string    `json:"id"`
	LawbookID string    `json:"lawbookId"`
	Version   string    `json:"version"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// Verdict colors.
const (
	VerdictGreen = "GREEN"
	VerdictHold  = "HOLD"
	VerdictRed   = "RED"
)

// Verdict is a GREEN/HOLD/RED decision with a deterministic confidence
// score derived from stored signals.
type Verdict struct {
	ID               string                 `json:"id"`
	ExecutionID      string                 `json:"executionId"`
	IssueID          string                 `json:"issueId,omitempty"`
	Color            string                 `json:"color"`
	PolicySnapshotID string                 `json:"policySnapshotId,omitempty"`
	FingerprintID    string                 `json:"fingerprintId,omitempty"`
	ErrorClass       string                 `json:"errorClass,omitempty"`
	Service          string                 `json:"service,omitempty"`
	ConfidenceScore  int                    `json:"confidenceScore"`
	ProposedAction   string                 `json:"proposedAction,omitempty"`
	Tokens           []string               `json:"tokens,omitempty"`
	Signals          map[string]interface{} `json:"signals,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
}

// Incident lifecycle statuses.
const (
	IncidentOpen      = "OPEN"
	IncidentMitigated = "MITIGATED"
	IncidentClosed    = "CLOSED"
)

// Incident classifies a failure under remediation.
type Incident struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Severity      string     `json:"severity"`
	SourcePrimary string     `json:"sourcePrimary"`
	Category      string     `json:"category"`
	Status        string     `json:"status"`
	Service       string     `json:"service,omitempty"`
	OpenedAt      time.Time  `json:"openedAt"`
	MitigatedAt   *time.Time `json:"mitigatedAt,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

// IncidentEvent is one entry in an incident's history.
type IncidentEvent struct {
	ID         string                 `json:"id"`
	IncidentID string                 `json:"incidentId"`
	Kind       string                 `json:"kind"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// EvidenceItem is a stored signal attached to an incident.
type EvidenceItem struct {
	ID         string                 `json:"id"`
	IncidentID string                 `json:"incidentId"`
	Kind       string                 `json:"kind"`
	Summary    string                 `json:"summary"`
	SHA256     string                 `json:"sha256"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// RemediationRun links an incident to a run that attempted to fix it.
type RemediationRun struct {
	ID         string     `json:"id"`
	IncidentID string     `json:"incidentId"`
	RunID      string     `json:"runId"`
	Playbook   string     `json:"playbook"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// VerificationReport captures a verification outcome for a run or deploy.
type VerificationReport struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId,omitempty"`
	IssueID     string    `json:"issueId,omitempty"`
	Env         string    `json:"env,omitempty"`
	Result      string    `json:"result"` // PASS | FAIL | UNKNOWN
	ReportHash  string    `json:"reportHash"`
	Summary     string    `json:"summary,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// OutcomeRecord is the idempotent postmortem container.
type OutcomeRecord struct {
	ID             string                 `json:"id"`
	OutcomeKey     string                 `json:"outcomeKey"`
	IncidentID     string                 `json:"incidentId"`
	PostmortemHash string                 `json:"postmortemHash"`
	PackHash       string                 `json:"packHash"`
	Artifact       map[string]interface{} `json:"artifact"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// NavigationItem is one UI navigation entry, unique per (role, position)
// and (role, href).
type NavigationItem struct {
	Role     string `json:"role"` // admin | user | guest | *
	Href     string `json:"href"`
	Label    string `json:"label"`
	Position int    `json:"position"`
	Enabled  bool   `json:"enabled"`
}
