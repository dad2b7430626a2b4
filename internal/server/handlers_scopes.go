package server

import (
	"net/http"

	"github.com/opendsc/opendsc/internal/api"
)

func (s *Server) handleListScopeTypes(w http.ResponseWriter, r *http.Request) {
	types, err := api.GetScopeManager().ListScopeTypes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (s *Server) handleGetScopeType(w http.ResponseWriter, r *http.Request) {
	info, err := api.GetScopeManager().GetScopeType(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateScopeType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Precedence   int    `json:"precedence"`
		AllowsValues bool   `json:"allowsValues"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := api.GetScopeManager().CreateScopeType(r.Context(), req.Name, req.Precedence, req.AllowsValues)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleUpdateScopeType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		Precedence int    `json:"precedence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := api.GetScopeManager().UpdateScopeType(r.Context(), r.PathValue("id"), req.Name, req.Precedence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleReorderScopeTypes applies a complete id -> precedence mapping in one
// transaction.
func (s *Server) handleReorderScopeTypes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Precedences map[string]int `json:"precedences"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetScopeManager().ReorderScopeTypes(r.Context(), req.Precedences); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteScopeType(w http.ResponseWriter, r *http.Request) {
	if err := api.GetScopeManager().DeleteScopeType(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddScopeValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetScopeManager().AddScopeValue(r.Context(), r.PathValue("id"), req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteScopeValue(w http.ResponseWriter, r *http.Request) {
	if err := api.GetScopeManager().DeleteScopeValue(r.Context(), r.PathValue("id"), r.PathValue("value")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
