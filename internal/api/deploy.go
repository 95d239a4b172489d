package api

import (
	"net/http"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/middleware"
)

func (s *Server) handleDeployStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deploy == nil {
		writeError(w, r, errcode.New(errcode.Unavailable, "deploy status requires the persistence store"))
		return
	}
	env := r.URL.Query().Get("env")
	snap, err := s.deps.Deploy.Status(r.Context(), env, middleware.RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
