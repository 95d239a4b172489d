package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/statemachine"
	"github.com/afu9/control-center/internal/store"
)

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		CanonicalID: q.Get("canonicalId"),
		OpenOnly:    q.Get("open") == "true",
	}
	if raw := q.Get("status"); raw != "" {
		status := statemachine.LocalStatus(raw)
		if !statemachine.IsKnown(status) {
			writeError(w, r, errcode.Newf(errcode.InvalidInput, "unknown status %q", raw))
			return
		}
		f.Status = status
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		writeError(w, r, errcode.New(errcode.InvalidInput, "limit must be an integer"))
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, r, errcode.New(errcode.InvalidInput, "offset must be an integer"))
		return
	}
	f.Clamp()

	issues, total, err := s.deps.Issues.ListIssues(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issues": issues,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	issue, err := s.deps.Issues.GetIssue(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	runs, err := s.deps.Ops.ListRunsForIssue(r.Context(), issue.ID, 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.deps.Issues.GetIssueEvents(r.Context(), issue.ID, 50)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issue":           issue,
		"effectiveStatus": statemachine.EffectiveStatus(issue.Status, issue.MirrorStatus, issue.ExecutionState),
		"runs":            runs,
		"events":          events,
	})
}

func (s *Server) handleIssueEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeError(w, r, errcode.New(errcode.InvalidInput, "limit must be an integer"))
		return
	}
	events, err := s.deps.Issues.GetIssueEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issueId": id, "events": events})
}

func (s *Server) handleIssueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Issues.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"byStatus": stats})
}

func (s *Server) handleApplyVerdict(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verdicts == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "verdict service disabled"))
		return
	}
	id := mux.Vars(r)["id"]
	var v store.Verdict
	if err := decodeBody(r, &v); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.deps.Verdicts.ApplyVerdict(r.Context(), id, &v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
