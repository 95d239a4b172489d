package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/policy"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
)

// handlePick activates an issue and opens its pick run. With no issue
// named in the body, the oldest CREATED issue is selected.
func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IssueID     string `json:"issueId"`
		CanonicalID string `json:"canonicalId"`
		Actor       string `json:"actor"`
		Force       bool   `json:"force"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		req.Actor = store.ActorSystem
	}

	issue, err := s.resolvePickTarget(r, req.IssueID, req.CanonicalID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	activated, err := s.deps.Issues.ActivateIssue(r.Context(), issue.ID, req.Actor, req.Force)
	if err != nil {
		writeError(w, r, err)
		return
	}

	run, err := s.deps.Ops.CreateRun(r.Context(), &store.Run{
		IssueID: activated.ID,
		Kind:    "s1_pick",
		Status:  store.RunRunning,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	step, err := s.deps.Ops.AddRunStep(r.Context(), &store.RunStep{
		RunID:  run.ID,
		Idx:    0,
		Name:   "activate",
		Status: store.RunSucceeded,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Ops.FinishRun(r.Context(), run.ID, store.RunSucceeded); err != nil {
		writeError(w, r, err)
		return
	}

	if s.deps.Ingestor != nil {
		if _, err := s.deps.Ingestor.IngestIssue(r.Context(), activated); err != nil {
			s.logger.Printf("⚠️ Issue ingestion after pick failed: %v", err)
		}
		if _, err := s.deps.Ingestor.IngestRun(r.Context(), run.ID); err != nil {
			s.logger.Printf("⚠️ Run ingestion after pick failed: %v", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"issue": activated,
		"run":   run,
		"step":  step,
	})
}

func (s *Server) resolvePickTarget(r *http.Request, issueID, canonicalID string) (*store.Issue, error) {
	switch {
	case issueID != "":
		return s.deps.Issues.GetIssue(r.Context(), issueID)
	case canonicalID != "":
		return s.deps.Issues.GetByCanonicalID(r.Context(), canonicalID)
	default:
		f := store.ListFilter{Status: statemachine.StatusCreated, Limit: 1}
		candidates, _, err := s.deps.Issues.ListIssues(r.Context(), f)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, errcode.New(errcode.NotFound, "no issue in CREATED status to pick")
		}
		return candidates[0], nil
	}
}

// handleSaveSpec stores the scope and acceptance criteria and moves the
// issue to SPEC_READY.
func (s *Server) handleSaveSpec(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Scope              string   `json:"scope"`
		AcceptanceCriteria []string `json:"acceptanceCriteria"`
		Notes              string   `json:"notes"`
		Actor              string   `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.AcceptanceCriteria) == 0 {
		writeError(w, r, errcode.New(errcode.AcceptanceCriteriaRequired,
			"at least one acceptance criterion is required"))
		return
	}
	if req.Actor == "" {
		req.Actor = store.ActorSystem
	}

	issue, err := s.deps.Issues.GetIssue(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.deps.Issues.UpdateStatus(r.Context(), issue.ID, store.StatusUpdate{
		From:  issue.Status,
		To:    statemachine.StatusSpecReady,
		Actor: req.Actor,
		Fields: map[string]interface{}{
			"scope":              req.Scope,
			"acceptanceCriteria": req.AcceptanceCriteria,
			"notes":              req.Notes,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issue": updated})
}

// handleImplement starts the implementation stage: branch creation and
// the transition to IMPLEMENTING_PREP run asynchronously; the response is
// an immediate 202 with the run and branch the caller can follow.
func (s *Server) handleImplement(w http.ResponseWriter, r *http.Request) {
	if !s.deps.DispatchEnabled {
		writeError(w, r, errcode.New(errcode.Unavailable, "workflow dispatch is disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	var req struct {
		Actor       string `json:"actor"`
		BaseRef     string `json:"baseRef"`
		HasApproval bool   `json:"hasApproval"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		req.Actor = store.ActorSystem
	}
	if req.BaseRef == "" {
		req.BaseRef = "main"
	}

	issue, err := s.deps.Issues.GetIssue(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if issue.ExecutionState == statemachine.ExecRunning {
		writeError(w, r, errcode.New(errcode.Conflict, "an implementation run is already in flight").
			WithDetails(map[string]interface{}{"issueId": issue.ID}))
		return
	}
	if issue.Status != statemachine.StatusSpecReady {
		writeError(w, r, errcode.Newf(errcode.InvalidTransition,
			"implement requires SPEC_READY, issue is %s", issue.Status))
		return
	}

	if s.deps.Evaluator != nil {
		target := issue.CanonicalID
		if target == "" {
			target = issue.ID
		}
		res, err := s.deps.Evaluator.Evaluate(r.Context(), &policy.Request{
			RequestID:        uuid.NewString(),
			ActionType:       "workflow_dispatch",
			TargetType:       "issue",
			TargetIdentifier: target,
			ActionContext:    map[string]interface{}{"issueId": issue.ID, "stage": "s3_implement"},
			HasApproval:      req.HasApproval,
			Actor:            req.Actor,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordPolicyDecision("workflow_dispatch", res.Decision)
		}
		if !res.Allow {
			writeError(w, r, policyDenialError(res))
			return
		}
	}

	branch := s.implementBranch(issue)
	run, err := s.deps.Ops.CreateRun(r.Context(), &store.Run{
		IssueID: issue.ID,
		Kind:    "s3_implement",
		Status:  store.RunRunning,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Mark the issue in-flight before handing off; the dispatch goroutine
	// returns it to IDLE (or FAILED) when it finishes.
	if _, err := s.deps.Issues.PatchIssue(r.Context(), issue.ID, map[string]interface{}{
		"executionState": string(statemachine.ExecRunning),
	}, req.Actor); err != nil {
		writeError(w, r, err)
		return
	}

	go s.dispatchImplementation(issue, run.ID, branch, req.BaseRef, req.Actor)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"issueId": issue.ID,
		"runId":   run.ID,
		"pr":      map[string]interface{}{"branch": branch},
	})
}

// dispatchImplementation runs off the request goroutine: create the
// branch, advance the status, close out the run.
func (s *Server) dispatchImplementation(issue *store.Issue, runID, branch, baseRef, actor string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	branchStatus := store.RunSucceeded
	if s.deps.Forge != nil && issue.ForgeRepo != "" {
		owner, repo := splitRepo(issue.ForgeRepo)
		client, err := s.deps.Forge.WithAuthenticatedClient(ctx, owner, repo, branch)
		if err == nil {
			err = client.CreateBranch(ctx, owner, repo, branch, baseRef)
		}
		if err != nil {
			s.logger.Printf("❌ Branch creation for %s failed: %v", issue.ID, err)
			branchStatus = store.RunFailed
		}
	}

	if _, err := s.deps.Ops.AddRunStep(ctx, &store.RunStep{
		RunID:  runID,
		Idx:    0,
		Name:   "create_branch",
		Status: branchStatus,
	}); err != nil {
		s.logger.Printf("⚠️ Recording implement step failed: %v", err)
	}

	if branchStatus == store.RunFailed {
		if err := s.deps.Ops.FinishRun(ctx, runID, store.RunFailed); err != nil {
			s.logger.Printf("⚠️ Finishing failed run %s: %v", runID, err)
		}
		s.setExecutionState(ctx, issue.ID, statemachine.ExecFailed, actor)
		return
	}

	if _, err := s.deps.Issues.UpdateStatus(ctx, issue.ID, store.StatusUpdate{
		From:   statemachine.StatusSpecReady,
		To:     statemachine.StatusImplementingPrep,
		Actor:  actor,
		Fields: map[string]interface{}{"prBranch": branch},
	}); err != nil {
		s.logger.Printf("❌ Transition to IMPLEMENTING_PREP for %s failed: %v", issue.ID, err)
		if err := s.deps.Ops.FinishRun(ctx, runID, store.RunFailed); err != nil {
			s.logger.Printf("⚠️ Finishing failed run %s: %v", runID, err)
		}
		s.setExecutionState(ctx, issue.ID, statemachine.ExecFailed, actor)
		return
	}

	if err := s.deps.Ops.FinishRun(ctx, runID, store.RunSucceeded); err != nil {
		s.logger.Printf("⚠️ Finishing run %s: %v", runID, err)
	}
	s.setExecutionState(ctx, issue.ID, statemachine.ExecIdle, actor)
	if s.deps.Ingestor != nil {
		if _, err := s.deps.Ingestor.IngestRun(ctx, runID); err != nil {
			s.logger.Printf("⚠️ Run ingestion after implement failed: %v", err)
		}
	}
	s.logger.Printf("✅ Implementation dispatched for %s on branch %s", issue.ID, branch)
}

func (s *Server) setExecutionState(ctx context.Context, issueID string, state statemachine.ExecutionState, actor string) {
	if _, err := s.deps.Issues.PatchIssue(ctx, issueID, map[string]interface{}{
		"executionState": string(state),
	}, actor); err != nil {
		s.logger.Printf("⚠️ Updating execution state for %s: %v", issueID, err)
	}
}

func (s *Server) implementBranch(issue *store.Issue) string {
	slug := issue.CanonicalID
	if slug == "" {
		slug = issue.PublicID
	}
	slug = strings.ToLower(strings.ReplaceAll(slug, ".", "-"))
	return fmt.Sprintf("%s/%s-%s", s.deps.WorkflowBranches, slug, uuid.NewString()[:8])
}

func splitRepo(full string) (string, string) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 {
		return full, ""
	}
	return parts[0], parts[1]
}

// policyDenialError maps an evaluator denial onto the typed error space.
func policyDenialError(res *policy.Result) error {
	var code errcode.Code
	switch {
	case res.RequiresApproval:
		code = errcode.ApprovalRequired
	case res.NextAllowedAt != nil:
		code = errcode.CooldownActive
	default:
		code = errcode.LawbookDenied
	}
	err := errcode.New(code, res.Reason)
	details := map[string]interface{}{"decision": res.Decision}
	if res.NextAllowedAt != nil {
		details["nextAllowedAt"] = res.NextAllowedAt.UTC().Format(time.RFC3339)
	}
	return err.WithDetails(details)
}
