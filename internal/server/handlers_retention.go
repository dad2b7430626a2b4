package server

import (
	"net/http"

	"github.com/opendsc/opendsc/internal/api"
)

type retentionBody struct {
	KeepVersions int  `json:"keepVersions"`
	KeepDays     int  `json:"keepDays"`
	DryRun       bool `json:"dryRun"`
}

func (s *Server) handleRetentionConfigurations(w http.ResponseWriter, r *http.Request) {
	var req retentionBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := api.GetRetentionManager().CleanupConfigurations(r.Context(), api.RetentionRequest{
		KeepVersions: req.KeepVersions,
		KeepDays:     req.KeepDays,
		DryRun:       req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionParameters(w http.ResponseWriter, r *http.Request) {
	var req retentionBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := api.GetRetentionManager().CleanupParameters(r.Context(), api.RetentionRequest{
		KeepVersions: req.KeepVersions,
		KeepDays:     req.KeepDays,
		DryRun:       req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
