package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
)

// MemoryOpsStore is the in-process implementation of OpsStore.
type MemoryOpsStore struct {
	mu            sync.RWMutex
	runs          map[string]*Run
	steps         map[string][]*RunStep
	artifacts     map[string][]*RunArtifact
	deploys       []*DeployEvent
	snapshots     map[string]*PolicySnapshot
	verdicts      map[string]*Verdict
	incidents     map[string]*Incident
	incEvents     map[string][]*IncidentEvent
	evidence      map[string][]*EvidenceItem
	remediations  map[string][]*RemediationRun
	verifications map[string]*VerificationReport
	outcomes      map[string]*OutcomeRecord // keyed by outcomeKey
	now           func() time.Time
}

// NewMemoryOpsStore creates an empty store.
func NewMemoryOpsStore() *MemoryOpsStore {
	return &MemoryOpsStore{
		runs:          make(map[string]*Run),
		steps:         make(map[string][]*RunStep),
		artifacts:     make(map[string][]*RunArtifact),
		snapshots:     make(map[string]*PolicySnapshot),
		verdicts:      make(map[string]*Verdict),
		incidents:     make(map[string]*Incident),
		incEvents:     make(map[string][]*IncidentEvent),
		evidence:      make(map[string][]*EvidenceItem),
		remediations:  make(map[string][]*RemediationRun),
		verifications: make(map[string]*VerificationReport),
		outcomes:      make(map[string]*OutcomeRecord),
		now:           time.Now,
	}
}

func (s *MemoryOpsStore) CreateRun(ctx context.Context, run *Run) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = RunRunning
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = s.now().UTC()
	}
	s.runs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) FinishRun(ctx context.Context, runID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return errcode.Newf(errcode.NotFound, "run %s", runID)
	}
	now := s.now().UTC()
	run.Status = status
	run.FinishedAt = &now
	return nil
}

func (s *MemoryOpsStore) AddRunStep(ctx context.Context, step *RunStep) (*RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[step.RunID]; !ok {
		return nil, errcode.Newf(errcode.NotFound, "run %s", step.RunID)
	}
	cp := *step
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.steps[cp.RunID] = append(s.steps[cp.RunID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) AddRunArtifact(ctx context.Context, art *RunArtifact) (*RunArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[art.RunID]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "run %s", art.RunID)
	}
	// Artifacts are frozen once the run finishes.
	if run.FinishedAt != nil {
		return nil, errcode.Newf(errcode.Conflict, "run %s is finished, artifacts are immutable", art.RunID)
	}
	cp := *art
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.artifacts[cp.RunID] = append(s.artifacts[cp.RunID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetRun(ctx context.Context, runID string) (*Run, []*RunStep, []*RunArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil, nil, errcode.Newf(errcode.NotFound, "run %s", runID)
	}
	rcp := *run
	steps := make([]*RunStep, 0, len(s.steps[runID]))
	for _, st := range s.steps[runID] {
		cp := *st
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Idx < steps[j].Idx })
	arts := make([]*RunArtifact, 0, len(s.artifacts[runID]))
	for _, a := range s.artifacts[runID] {
		cp := *a
		arts = append(arts, &cp)
	}
	return &rcp, steps, arts, nil
}

func (s *MemoryOpsStore) ListRunsForIssue(ctx context.Context, issueID string, limit int) ([]*Run, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, limit)
	for _, run := range s.runs {
		if run.IssueID == issueID {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOpsStore) RecordDeploy(ctx context.Context, ev *DeployEvent) (*DeployEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.deploys = append(s.deploys, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetDeploy(ctx context.Context, id string) (*DeployEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deploys {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errcode.Newf(errcode.NotFound, "deploy %s", id)
}

func (s *MemoryOpsStore) ListDeploys(ctx context.Context, env string, since time.Time, limit int) ([]*DeployEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeployEvent, 0, limit)
	for i := len(s.deploys) - 1; i >= 0 && len(out) < limit; i-- {
		d := s.deploys[i]
		if env != "" && d.Env != env {
			continue
		}
		if !since.IsZero() && d.CreatedAt.Before(since) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryOpsStore) CreatePolicySnapshot(ctx context.Context, snap *PolicySnapshot) (*PolicySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.snapshots[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetPolicySnapshot(ctx context.Context, id string) (*PolicySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "policy snapshot %s", id)
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryOpsStore) RecordVerdict(ctx context.Context, v *Verdict) (*Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.verdicts[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetVerdict(ctx context.Context, id string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "verdict %s", id)
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryOpsStore) CreateIncident(ctx context.Context, inc *Incident) (*Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = IncidentOpen
	}
	if cp.OpenedAt.IsZero() {
		cp.OpenedAt = s.now().UTC()
	}
	s.incidents[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "incident %s", id)
	}
	cp := *inc
	return &cp, nil
}

func (s *MemoryOpsStore) AppendIncidentEvent(ctx context.Context, ev *IncidentEvent) (*IncidentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[ev.IncidentID]; !ok {
		return nil, errcode.Newf(errcode.NotFound, "incident %s", ev.IncidentID)
	}
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.incEvents[cp.IncidentID] = append(s.incEvents[cp.IncidentID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) ListIncidentEvents(ctx context.Context, incidentID string) ([]*IncidentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.incEvents[incidentID]
	out := make([]*IncidentEvent, 0, len(evs))
	for _, ev := range evs {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryOpsStore) AddEvidence(ctx context.Context, item *EvidenceItem) (*EvidenceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[item.IncidentID]; !ok {
		return nil, errcode.Newf(errcode.NotFound, "incident %s", item.IncidentID)
	}
	cp := *item
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.evidence[cp.IncidentID] = append(s.evidence[cp.IncidentID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) ListEvidence(ctx context.Context, incidentID string) ([]*EvidenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.evidence[incidentID]
	out := make([]*EvidenceItem, 0, len(items))
	for _, item := range items {
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryOpsStore) AddRemediationRun(ctx context.Context, rr *RemediationRun) (*RemediationRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[rr.IncidentID]; !ok {
		return nil, errcode.Newf(errcode.NotFound, "incident %s", rr.IncidentID)
	}
	cp := *rr
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = s.now().UTC()
	}
	s.remediations[cp.IncidentID] = append(s.remediations[cp.IncidentID], &cp)
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) ListRemediationRuns(ctx context.Context, incidentID string) ([]*RemediationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rrs := s.remediations[incidentID]
	out := make([]*RemediationRun, 0, len(rrs))
	for _, rr := range rrs {
		cp := *rr
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryOpsStore) RecordVerification(ctx context.Context, rep *VerificationReport) (*VerificationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rep
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.GeneratedAt.IsZero() {
		cp.GeneratedAt = s.now().UTC()
	}
	s.verifications[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryOpsStore) GetVerification(ctx context.Context, id string) (*VerificationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.verifications[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "verification %s", id)
	}
	cp := *rep
	return &cp, nil
}

func (s *MemoryOpsStore) LatestVerificationForRun(ctx context.Context, runID string) (*VerificationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *VerificationReport
	for _, rep := range s.verifications {
		if rep.RunID != runID {
			continue
		}
		if latest == nil || rep.GeneratedAt.After(latest.GeneratedAt) {
			latest = rep
		}
	}
	if latest == nil {
		return nil, errcode.Newf(errcode.NotFound, "no verification for run %s", runID)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryOpsStore) LatestVerificationForIssue(ctx context.Context, issueID string) (*VerificationReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *VerificationReport
	for _, rep := range s.verifications {
		if rep.IssueID != issueID {
			continue
		}
		if latest == nil || rep.GeneratedAt.After(latest.GeneratedAt) {
			latest = rep
		}
	}
	if latest == nil {
		return nil, errcode.Newf(errcode.NotFound, "no verification for issue %s", issueID)
	}
	cp := *latest
	return &cp, nil
}

// UpsertOutcome inserts an outcome record keyed by outcomeKey. A second
// insert with the same key returns the original row and isNew=false; the
// stored artifact is never overwritten.
func (s *MemoryOpsStore) UpsertOutcome(ctx context.Context, rec *OutcomeRecord) (*OutcomeRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.outcomes[rec.OutcomeKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.outcomes[cp.OutcomeKey] = &cp
	out := cp
	return &out, true, nil
}

func (s *MemoryOpsStore) GetOutcomeByKey(ctx context.Context, outcomeKey string) (*OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.outcomes[outcomeKey]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "outcome %s", outcomeKey)
	}
	cp := *rec
	return &cp, nil
}

// MemoryNavigationStore is the in-process NavigationStore.
type MemoryNavigationStore struct {
	mu    sync.RWMutex
	items map[string][]*NavigationItem // by role
}

// NewMemoryNavigationStore creates an empty store.
func NewMemoryNavigationStore() *MemoryNavigationStore {
	return &MemoryNavigationStore{items: make(map[string][]*NavigationItem)}
}

func (s *MemoryNavigationStore) ListNavigation(ctx context.Context, role string) ([]*NavigationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NavigationItem
	for _, item := range s.items[role] {
		cp := *item
		out = append(out, &cp)
	}
	// Wildcard entries apply to every role.
	if role != "*" {
		for _, item := range s.items["*"] {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *MemoryNavigationStore) ReplaceNavigation(ctx context.Context, role string, items []*NavigationItem) error {
	seenPos := make(map[int]bool)
	seenHref := make(map[string]bool)
	for _, item := range items {
		if seenPos[item.Position] {
			return errcode.Newf(errcode.Conflict, "duplicate position %d for role %s", item.Position, role)
		}
		if seenHref[item.Href] {
			return errcode.Newf(errcode.Conflict, "duplicate href %s for role %s", item.Href, role)
		}
		seenPos[item.Position] = true
		seenHref[item.Href] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := make([]*NavigationItem, 0, len(items))
	for _, item := range items {
		cp := *item
		cp.Role = role
		cps = append(cps, &cp)
	}
	s.items[role] = cps
	return nil
}
