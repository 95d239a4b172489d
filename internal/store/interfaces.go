package store

import (
	"context"
	"time"

	"github.com/afu9/control-center/internal/statemachine"
)

// MaxPageSize is the hard ceiling on list pagination.
const MaxPageSize = 500

// ListFilter narrows and pages issue listings.
type ListFilter struct {
	Status      statemachine.LocalStatus
	CanonicalID string
	OpenOnly    bool
	Limit       int
	Offset      int
}

// Clamp normalises pagination bounds.
func (f *ListFilter) Clamp() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// StatusUpdate describes a state-machine transition request against the
// store. Fields is an optional set of columns updated atomically with the
// status (e.g. prUrl when entering review).
type StatusUpdate struct {
	From   statemachine.LocalStatus
	To     statemachine.LocalStatus
	Actor  string
	Fields map[string]interface{}
}

// IssueStore owns issues and their event log. Implementations must enforce
// the single-active invariant and reject transitions outside the state
// graph; the store is the last line of defence, not the application.
type IssueStore interface {
	CreateIssue(ctx context.Context, issue *Issue) (*Issue, error)
	GetIssue(ctx context.Context, id string) (*Issue, error)
	GetByCanonicalID(ctx context.Context, canonicalID string) (*Issue, error)
	// PatchIssue edits fields that do not cross a status boundary.
	PatchIssue(ctx context.Context, id string, fields map[string]interface{}, actor string) (*Issue, error)
	// UpdateStatus performs a guarded transition. The stored status must
	// still equal upd.From when the write lands.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*Issue, error)
	// ActivateIssue is the atomic compare-and-set for the ACTIVE slot.
	// With force unset a second activation fails with
	// SINGLE_ACTIVE_VIOLATION; with force the current holder moves to HOLD.
	ActivateIssue(ctx context.Context, id, actor string, force bool) (*Issue, error)
	ListIssues(ctx context.Context, f ListFilter) ([]*Issue, int, error)
	GetIssueEvents(ctx context.Context, issueID string, limit int) ([]*IssueEvent, error)
	AppendEvent(ctx context.Context, ev *IssueEvent) error
	// GetForHandoff returns the issue with the linkage fields a Forge
	// mirror operation needs; it fails if the issue has no canonical ID.
	GetForHandoff(ctx context.Context, id string) (*Issue, error)
	SetHandoffState(ctx context.Context, id, state, actor string) error
	Stats(ctx context.Context) (map[string]int, error)
}

// OpsStore owns the operational rows the evidence ingestors read: runs,
// deploys, verdicts, snapshots, incidents, verification reports and
// outcome records. Ingestion never mutates these rows.
type OpsStore interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) (*Run, error)
	FinishRun(ctx context.Context, runID, status string) error
	AddRunStep(ctx context.Context, step *RunStep) (*RunStep, error)
	AddRunArtifact(ctx context.Context, art *RunArtifact) (*RunArtifact, error)
	GetRun(ctx context.Context, runID string) (*Run, []*RunStep, []*RunArtifact, error)
	ListRunsForIssue(ctx context.Context, issueID string, limit int) ([]*Run, error)

	// Deploys
	RecordDeploy(ctx context.Context, ev *DeployEvent) (*DeployEvent, error)
	GetDeploy(ctx context.Context, id string) (*DeployEvent, error)
	ListDeploys(ctx context.Context, env string, since time.Time, limit int) ([]*DeployEvent, error)

	// Verdicts and snapshots
	CreatePolicySnapshot(ctx context.Context, snap *PolicySnapshot) (*PolicySnapshot, error)
	GetPolicySnapshot(ctx context.Context, id string) (*PolicySnapshot, error)
	RecordVerdict(ctx context.Context, v *Verdict) (*Verdict, error)
	GetVerdict(ctx context.Context, id string) (*Verdict, error)

	// Incidents
	CreateIncident(ctx context.Context, inc *Incident) (*Incident, error)
	GetIncident(ctx context.Context, id string) (*Incident, error)
	AppendIncidentEvent(ctx context.Context, ev *IncidentEvent) (*IncidentEvent, error)
	ListIncidentEvents(ctx context.Context, incidentID string) ([]*IncidentEvent, error)
	AddEvidence(ctx context.Context, item *EvidenceItem) (*EvidenceItem, error)
	ListEvidence(ctx context.Context, incidentID string) ([]*EvidenceItem, error)
	AddRemediationRun(ctx context.Context, rr *RemediationRun) (*RemediationRun, error)
	ListRemediationRuns(ctx context.Context, incidentID string) ([]*RemediationRun, error)

	// Verification
	RecordVerification(ctx context.Context, rep *VerificationReport) (*VerificationReport, error)
	GetVerification(ctx context.Context, id string) (*VerificationReport, error)
	LatestVerificationForIssue(ctx context.Context, issueID string) (*VerificationReport, error)
	LatestVerificationForRun(ctx context.Context, runID string) (*VerificationReport, error)

	// Outcome records (postmortems)
	UpsertOutcome(ctx context.Context, rec *OutcomeRecord) (*OutcomeRecord, bool, error)
	GetOutcomeByKey(ctx context.Context, outcomeKey string) (*OutcomeRecord, error)
}

// NavigationStore owns the role-scoped navigation entries.
type NavigationStore interface {
	ListNavigation(ctx context.Context, role string) ([]*NavigationItem, error)
	ReplaceNavigation(ctx context.Context, role string, items []*NavigationItem) error
}
