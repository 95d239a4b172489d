// Package verdict applies GREEN/HOLD/RED decisions to issues and records
// the verdict rows the evidence timeline is built from.
package verdict

import (
	"context"
	"log"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/events"
	"github.com/afu9/control-center/internal/lawbook"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
)

// Result reports what ApplyVerdict did.
type Result struct {
	Success      bool                     `json:"success"`
	NewStatus    statemachine.LocalStatus `json:"newStatus"`
	StateChanged bool                     `json:"stateChanged"`
	VerdictID    string                   `json:"verdictId"`
}

// Service applies verdicts.
type Service struct {
	issues   store.IssueStore
	ops      store.OpsStore
	resolver *lawbook.Resolver
	emitter  events.Emitter
	logger   *log.Logger
}

// NewService creates a verdict service.
func NewService(issues store.IssueStore, ops store.OpsStore, resolver *lawbook.Resolver, emitter events.Emitter) *Service {
	return &Service{
		issues:   issues,
		ops:      ops,
		resolver: resolver,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[VERDICT] ", log.LstdFlags),
	}
}

// targetFor computes the status a verdict color drives an issue to.
// The bool is false when the verdict leaves the status alone.
func targetFor(color string, current statemachine.LocalStatus) (statemachine.LocalStatus, bool) {
	switch color {
	case store.VerdictRed, store.VerdictHold:
		return statemachine.StatusHold, current != statemachine.StatusHold
	case store.VerdictGreen:
		switch current {
		case statemachine.StatusImplementing:
			return statemachine.StatusVerified, true
		case statemachine.StatusVerified:
			return statemachine.StatusDone, true
		}
	}
	return current, false
}

// ApplyVerdict records the verdict, snapshots the active lawbook version,
// and moves the issue according to the color rules. Terminal issues
// refuse all verdicts.
func (s *Service) ApplyVerdict(ctx context.Context, issueID string, v *store.Verdict) (*Result, error) {
	switch v.Color {
	case store.VerdictGreen, store.VerdictHold, store.VerdictRed:
	default:
		return nil, errcode.Newf(errcode.InvalidInput, "unknown verdict color %q", v.Color)
	}

	issue, err := s.issues.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if statemachine.IsTerminal(issue.Status) {
		return nil, errcode.Newf(errcode.InvalidTransition, "issue %s is %s and accepts no verdicts", issueID, issue.Status)
	}

	// Snapshot the governing lawbook version so the verdict stays
	// auditable after later activations.
	if v.PolicySnapshotID == "" {
		if lb, err := s.resolver.GetActive(ctx, ""); err == nil && lb != nil {
			snap, err := s.ops.CreatePolicySnapshot(ctx, &store.PolicySnapshot{
				LawbookID: lb.ID,
				Version:   lb.Version,
				Hash:      lb.Hash,
			})
			if err != nil {
				return nil, err
			}
			v.PolicySnapshotID = snap.ID
		}
	}

	cp := *v
	cp.IssueID = issueID
	recorded, err := s.ops.RecordVerdict(ctx, &cp)
	if err != nil {
		return nil, err
	}

	if err := s.issues.AppendEvent(ctx, &store.IssueEvent{
		IssueID:   issueID,
		EventType: store.EventVerdictSet,
		Actor:     store.ActorSystem,
		Payload: map[string]interface{}{
			"verdictId": recorded.ID,
			"color":     recorded.Color,
		},
	}); err != nil {
		return nil, err
	}
	s.emitter.Emit(events.TypeVerdictSet, "verdict", issueID, map[string]interface{}{
		"verdictId": recorded.ID,
		"color":     recorded.Color,
	})

	target, changes := targetFor(recorded.Color, issue.Status)
	result := &Result{Success: true, NewStatus: issue.Status, VerdictID: recorded.ID}
	if !changes {
		return result, nil
	}

	updated, err := s.issues.UpdateStatus(ctx, issueID, store.StatusUpdate{
		From:  issue.Status,
		To:    target,
		Actor: store.ActorSystem,
	})
	if err != nil {
		return nil, err
	}
	result.NewStatus = updated.Status
	result.StateChanged = true
	s.emitter.Emit(events.TypeStateChanged, "verdict", issueID, map[string]interface{}{
		"from":  string(issue.Status),
		"to":    string(updated.Status),
		"cause": "verdict",
	})
	s.logger.Printf("✅ Verdict %s moved issue %s: %s → %s", recorded.Color, issueID, issue.Status, updated.Status)
	return result, nil
}
