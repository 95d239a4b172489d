package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/policy"
	"github.com/afu9/control-center/internal/store"
	"github.com/afu9/control-center/internal/syncengine"
)

// handleSyncSweep triggers one sweep over all open issues. The body may
// override the dry-run default.
func (s *Server) handleSyncSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "sync engine disabled"))
		return
	}
	var req struct {
		DryRun *bool  `json:"dryRun"`
		Actor  string `json:"actor"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		req.Actor = store.ActorSystem
	}
	opts := syncengine.Options{DryRun: s.deps.SyncDefaultDry, Actor: req.Actor}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}

	start := time.Now()
	result, err := s.deps.Sync.RunSweep(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SweepDuration.Observe(time.Since(start).Seconds())
		s.deps.Metrics.SweepLastIssue.Set(float64(result.SyncedIssues + result.FailedIssues))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGeneratePostmortem(w http.ResponseWriter, r *http.Request) {
	if s.deps.Postmortems == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "postmortem generator disabled"))
		return
	}
	incidentID := mux.Vars(r)["incidentId"]
	var req struct {
		LawbookVersion string `json:"lawbookVersion"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.deps.Postmortems.Generate(r.Context(), incidentID, req.LawbookVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) handleDescribeService(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "orchestrator disabled"))
		return
	}
	service := mux.Vars(r)["service"]
	state, err := s.deps.Orchestrator.DescribeService(r.Context(), service)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleForceDeploy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "orchestrator disabled"))
		return
	}
	service := mux.Vars(r)["service"]
	var req struct {
		Env         string `json:"env"`
		Actor       string `json:"actor"`
		HasApproval bool   `json:"hasApproval"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Actor == "" {
		req.Actor = store.ActorSystem
	}
	if err := s.deps.Orchestrator.ForceNewDeployment(r.Context(), service, req.Env, req.Actor, req.HasApproval); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"service":    service,
		"env":        req.Env,
		"dispatched": true,
	})
}

// handleRecordApproval registers a human decision on a gated action. The
// orchestrator consults these gates when the caller does not pass
// hasApproval explicitly.
func (s *Server) handleRecordApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "approval store disabled"))
		return
	}
	var req struct {
		ActionType   string `json:"actionType"`
		Target       string `json:"target"`
		Actor        string `json:"actor"`
		Decision     string `json:"decision"`
		SignedPhrase string `json:"signedPhrase"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.ActionType == "" || req.Target == "" || req.Actor == "" {
		writeError(w, r, errcode.New(errcode.InvalidInput, "actionType, target and actor are required"))
		return
	}
	switch req.Decision {
	case policy.ApprovalApproved, policy.ApprovalDenied, policy.ApprovalCancelled:
	default:
		writeError(w, r, errcode.Newf(errcode.InvalidInput, "unknown decision %q", req.Decision))
		return
	}

	gate, err := s.deps.Approvals.Record(r.Context(), &policy.ApprovalGate{
		ActionType:   req.ActionType,
		Target:       req.Target,
		Actor:        req.Actor,
		Decision:     req.Decision,
		SignedPhrase: req.SignedPhrase,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"approval": gate})
}
