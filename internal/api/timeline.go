package api

import (
	"net/http"

	"github.com/afu9/control-center/internal/errcode"
)

func (s *Server) handleTimelineChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	issueID := q.Get("issueId")
	if issueID == "" {
		writeError(w, r, errcode.New(errcode.InvalidInput, "issueId is required"))
		return
	}
	sourceSystem := q.Get("sourceSystem")
	if sourceSystem == "" {
		sourceSystem = "afu9"
	}
	if sourceSystem != "afu9" && sourceSystem != "forge" {
		writeError(w, r, errcode.Newf(errcode.InvalidInput, "unknown sourceSystem %q", sourceSystem))
		return
	}

	chain, err := s.deps.Timeline.ChainForIssue(r.Context(), issueID, sourceSystem)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}
