package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/statemachine"
)

// MemoryIssueStore replicates the Postgres semantics in process: the
// single-active invariant, state-graph enforcement and automatic event
// synthesis all behave identically, so tests exercise the real contract.
type MemoryIssueStore struct {
	mu      sync.RWMutex
	issues  map[string]*Issue
	byCanon map[string]string
	events  []*IssueEvent
	seq     int
	logger  *log.Logger
	now     func() time.Time
}

// NewMemoryIssueStore creates an empty store.
func NewMemoryIssueStore() *MemoryIssueStore {
	return &MemoryIssueStore{
		issues:  make(map[string]*Issue),
		byCanon: make(map[string]string),
		logger:  log.New(log.Writer(), "[STORE] ", log.LstdFlags),
		now:     time.Now,
	}
}

func (s *MemoryIssueStore) CreateIssue(ctx context.Context, issue *Issue) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if issue.CanonicalID != "" {
		if !ValidCanonicalID(issue.CanonicalID) {
			return nil, errcode.Newf(errcode.InvalidInput, "canonical id %q is not of form I<n> or E<n>.<m>", issue.CanonicalID)
		}
		if _, exists := s.byCanon[issue.CanonicalID]; exists {
			return nil, errcode.Newf(errcode.Conflict, "canonical id %s already exists", issue.CanonicalID)
		}
	}

	now := s.now().UTC()
	cp := *issue
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.seq++
	if cp.PublicID == "" {
		cp.PublicID = fmt.Sprintf("AFU9-%04d", s.seq)
	}
	if cp.Status == "" {
		cp.Status = statemachine.StatusCreated
	}
	if !statemachine.IsKnown(cp.Status) {
		return nil, errcode.Newf(errcode.InvalidInput, "unknown status %q", cp.Status)
	}
	if cp.Status == statemachine.StatusActive {
		if holder := s.currentActiveLocked(); holder != nil {
			return nil, singleActiveErr(holder)
		}
	}
	if cp.MirrorStatus == "" {
		cp.MirrorStatus = statemachine.MirrorUnknown
	}
	if cp.ExecutionState == "" {
		cp.ExecutionState = statemachine.ExecIdle
	}
	if cp.HandoffState == "" {
		cp.HandoffState = HandoffNotSent
	}
	if cp.Priority == "" {
		cp.Priority = PriorityP2
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.issues[cp.ID] = &cp
	if cp.CanonicalID != "" {
		s.byCanon[cp.CanonicalID] = cp.ID
	}

	s.appendEventLocked(&IssueEvent{
		IssueID:   cp.ID,
		EventType: EventCreated,
		Actor:     ActorSystem,
		Payload:   map[string]interface{}{"status": string(cp.Status), "canonicalId": cp.CanonicalID},
	})

	out := cp
	return &out, nil
}

func (s *MemoryIssueStore) GetIssue(ctx context.Context, id string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MemoryIssueStore) GetByCanonicalID(ctx context.Context, canonicalID string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCanon[canonicalID]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", canonicalID)
	}
	return s.getLocked(id)
}

func (s *MemoryIssueStore) getLocked(id string) (*Issue, error) {
	issue, ok := s.issues[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	cp := *issue
	return &cp, nil
}

// PatchIssue edits non-status fields. Any attempt to smuggle a status
// change through here is rejected: direct writes must not bypass the
// state machine.
func (s *MemoryIssueStore) PatchIssue(ctx context.Context, id string, fields map[string]interface{}, actor string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if _, ok := fields["status"]; ok {
		return nil, errcode.New(errcode.InvalidTransition, "status cannot be patched directly; use a transition")
	}

	prevHandoff := issue.HandoffState
	applyFields(issue, fields)
	issue.UpdatedAt = s.now().UTC()

	if issue.HandoffState != prevHandoff {
		s.appendEventLocked(&IssueEvent{
			IssueID:   id,
			EventType: EventHandoffStateChanged,
			Actor:     actor,
			Payload:   map[string]interface{}{"from": prevHandoff, "to": issue.HandoffState},
		})
	}

	cp := *issue
	return &cp, nil
}

func (s *MemoryIssueStore) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, upd)
}

func (s *MemoryIssueStore) updateStatusLocked(id string, upd StatusUpdate) (*Issue, error) {
	issue, ok := s.issues[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if issue.Status != upd.From {
		return nil, errcode.Newf(errcode.Conflict, "issue %s is %s, expected %s", id, issue.Status, upd.From)
	}
	if !statemachine.IsValid(upd.From, upd.To) {
		return nil, errcode.Newf(errcode.InvalidTransition, "transition %s → %s is not allowed", upd.From, upd.To)
	}
	if upd.To == statemachine.StatusActive {
		if holder := s.currentActiveLocked(); holder != nil && holder.ID != id {
			return nil, singleActiveErr(holder)
		}
	}

	now := s.now().UTC()
	issue.Status = upd.To
	issue.UpdatedAt = now
	if upd.To == statemachine.StatusSpecReady && issue.SpecReadyAt == nil {
		issue.SpecReadyAt = &now
	}
	if statemachine.IsTerminal(upd.To) {
		// User-set override is cleared on terminal transitions.
		issue.ExecutionOverride = false
	}
	applyFields(issue, upd.Fields)

	actor := upd.Actor
	if actor == "" {
		actor = ActorSystem
	}
	s.appendEventLocked(&IssueEvent{
		IssueID:   id,
		EventType: EventStatusChanged,
		Actor:     actor,
		Payload:   map[string]interface{}{"from": string(upd.From), "to": string(upd.To)},
	})

	cp := *issue
	return &cp, nil
}

func (s *MemoryIssueStore) ActivateIssue(ctx context.Context, id, actor string, force bool) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, errcode.Newf(errcode.NotFound, "issue %s", id)
	}
	if issue.Status == statemachine.StatusActive {
		cp := *issue
		return &cp, nil
	}

	if holder := s.currentActiveLocked(); holder != nil && holder.ID != id {
		if !force {
			return nil, singleActiveErr(holder)
		}
		if _, err := s.updateStatusLocked(holder.ID, StatusUpdate{
			From: statemachine.StatusActive, To: statemachine.StatusHold, Actor: actor,
		}); err != nil {
			return nil, err
		}
	}

	return s.updateStatusLocked(id, StatusUpdate{
		From: issue.Status, To: statemachine.StatusActive, Actor: actor,
	})
}

func (s *MemoryIssueStore) ListIssues(ctx context.Context, f ListFilter) ([]*Issue, int, error) {
	f.Clamp()
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		if f.Status != "" && issue.Status != f.Status {
			continue
		}
		if f.CanonicalID != "" && issue.CanonicalID != f.CanonicalID {
			continue
		}
		if f.OpenOnly && statemachine.IsTerminal(issue.Status) {
			continue
		}
		cp := *issue
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	if f.Offset >= total {
		return []*Issue{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (s *MemoryIssueStore) GetIssueEvents(ctx context.Context, issueID string, limit int) ([]*IssueEvent, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*IssueEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].IssueID == issueID {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryIssueStore) AppendEvent(ctx context.Context, ev *IssueEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[ev.IssueID]; !ok {
		return errcode.Newf(errcode.NotFound, "issue %s", ev.IssueID)
	}
	s.appendEventLocked(ev)
	return nil
}

func (s *MemoryIssueStore) GetForHandoff(ctx context.Context, id string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if issue.CanonicalID == "" {
		return nil, errcode.Newf(errcode.InvalidInput, "issue %s has no canonical id, cannot hand off", id)
	}
	return issue, nil
}

func (s *MemoryIssueStore) SetHandoffState(ctx context.Context, id, state, actor string) error {
	_, err := s.PatchIssue(ctx, id, map[string]interface{}{"handoffState": state}, actor)
	return err
}

func (s *MemoryIssueStore) Stats(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[string]int)
	for _, issue := range s.issues {
		stats[string(issue.Status)]++
		stats["total"]++
	}
	return stats, nil
}

func (s *MemoryIssueStore) currentActiveLocked() *Issue {
	for _, issue := range s.issues {
		if issue.Status == statemachine.StatusActive {
			return issue
		}
	}
	return nil
}

func (s *MemoryIssueStore) appendEventLocked(ev *IssueEvent) {
	cp := *ev
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Actor == "" {
		cp.Actor = ActorSystem
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.events = append(s.events, &cp)
}

func singleActiveErr(holder *Issue) error {
	current := holder.CanonicalID
	if current == "" {
		current = holder.ID
	}
	return errcode.New(errcode.SingleActiveViolation, "another issue is already ACTIVE").
		WithDetails(map[string]interface{}{"currentActive": current})
}

// applyFields applies a whitelisted field map onto an issue. Unknown keys
// are ignored rather than rejected so partial UI payloads stay forward
// compatible.
func applyFields(issue *Issue, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "title":
			if s, ok := v.(string); ok {
				issue.Title = s
			}
		case "priority":
			if s, ok := v.(string); ok {
				issue.Priority = s
			}
		case "labels":
			issue.Labels = toStringSlice(v)
		case "scope":
			if s, ok := v.(string); ok {
				issue.Scope = s
			}
		case "acceptanceCriteria":
			issue.AcceptanceCriteria = toStringSlice(v)
		case "notes":
			if s, ok := v.(string); ok {
				issue.Notes = s
			}
		case "forgeRepo":
			if s, ok := v.(string); ok {
				issue.ForgeRepo = s
			}
		case "forgeIssueNumber":
			if n, ok := toInt(v); ok {
				issue.ForgeIssueNumber = n
			}
		case "forgeUrl":
			if s, ok := v.(string); ok {
				issue.ForgeURL = s
			}
		case "prNumber":
			if n, ok := toInt(v); ok {
				issue.PRNumber = n
			}
		case "prUrl":
			if s, ok := v.(string); ok {
				issue.PRURL = s
			}
		case "prBranch":
			if s, ok := v.(string); ok {
				issue.PRBranch = s
			}
		case "lawbookVersion":
			if s, ok := v.(string); ok {
				issue.LawbookVersion = s
			}
		case "executionOverride":
			if b, ok := v.(bool); ok {
				issue.ExecutionOverride = b
			}
		case "executionState":
			if s, ok := v.(string); ok {
				issue.ExecutionState = statemachine.ExecutionState(s)
			}
		case "forgeMirrorStatus":
			if s, ok := v.(string); ok {
				issue.MirrorStatus = statemachine.MirrorStatus(s)
			}
		case "handoffState":
			if s, ok := v.(string); ok {
				issue.HandoffState = s
			}
		case "verificationHash":
			if s, ok := v.(string); ok {
				issue.VerificationHash = s
			}
		}
	}
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
