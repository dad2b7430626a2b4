package server

import (
	"io"
	"net/http"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

func (s *Server) handleListParameters(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("config")
	if err := s.authorizeResource(r, store.ResourceParameter, configID, store.LevelRead); err != nil {
		writeError(w, err)
		return
	}
	files, err := api.GetParameterManager().ListParameters(r.Context(), configID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleUploadParameters accepts the raw parameters document as the request
// body. Version, activation and scope value travel as query parameters.
func (s *Server) handleUploadParameters(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("config")
	if err := s.authorizeResource(r, store.ResourceParameter, configID, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	content, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, api.NewTransientIOError("read parameters document", err))
		return
	}
	query := r.URL.Query()
	activate := false
	if raw := query.Get("activate"); raw == "true" || raw == "1" {
		activate = true
	}
	info, err := api.GetParameterManager().UploadParameters(r.Context(), api.UploadParameterRequest{
		ConfigurationID: configID,
		ScopeTypeID:     r.PathValue("scopeType"),
		ScopeValue:      query.Get("scopeValue"),
		Version:         query.Get("version"),
		Content:         content,
		ContentType:     r.Header.Get("Content-Type"),
		Activate:        activate,
		CreatedBy:       identityFrom(r.Context()).Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleActivateParameters(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("config")
	if err := s.authorizeResource(r, store.ResourceParameter, configID, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := api.GetParameterManager().ActivateParameters(r.Context(), configID, r.PathValue("scopeType"), r.URL.Query().Get("scopeValue"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteParameters(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("config")
	if err := s.authorizeResource(r, store.ResourceParameter, configID, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetParameterManager().DeleteParameters(r.Context(), configID, r.PathValue("scopeType"), r.URL.Query().Get("scopeValue"), version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/// handleProvenance runs the scope-slot merge preview: Default plus the
// requested slot, with full per-leaf provenance.
func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("config")
	if err := s.authorizeResource(r, store.ResourceParameter, configID, store.LevelRead); err != nil {
		writeError(w, err)
		return
	}
	diagnostics, err := api.GetParameterManager().ScopeMergePreview(r.Context(), configID, r.PathValue("scopeType"), r.URL.Query().Get("scopeValue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diagnostics)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := api.GetParameterManager().GetSchema(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema)
}
