package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/store"
)

// HeaderActorRole carries the caller's role for the admin surface.
const HeaderActorRole = "X-Actor-Role"

var knownRoles = map[string]bool{"admin": true, "user": true, "guest": true, "*": true}

func (s *Server) handleGetNavigation(w http.ResponseWriter, r *http.Request) {
	role := mux.Vars(r)["role"]
	if !knownRoles[role] {
		writeError(w, r, errcode.Newf(errcode.InvalidInput, "unknown role %q", role))
		return
	}
	items, err := s.deps.Navigation.ListNavigation(r.Context(), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "items": items})
}

func (s *Server) handlePutNavigation(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(HeaderActorRole) != "admin" {
		writeError(w, r, errcode.New(errcode.TargetNotAllowed, "navigation writes require the admin role"))
		return
	}
	role := mux.Vars(r)["role"]
	if !knownRoles[role] {
		writeError(w, r, errcode.Newf(errcode.InvalidInput, "unknown role %q", role))
		return
	}

	var req struct {
		Items []*store.NavigationItem `json:"items"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	for _, item := range req.Items {
		item.Role = role
	}
	if err := s.deps.Navigation.ReplaceNavigation(r.Context(), role, req.Items); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.deps.Navigation.ListNavigation(r.Context(), role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": role, "items": items})
}
