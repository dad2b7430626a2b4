package server

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/opendsc/opendsc/internal/api"
	v1 "github.com/opendsc/opendsc/pkg/apis/v1"
	"github.com/opendsc/opendsc/pkg/logging"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := api.GetNodeManager().ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := api.GetNodeManager().GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := api.GetNodeManager().DeleteNode(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTagNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScopeType  string `json:"scopeType"`
		ScopeValue string `json:"scopeValue"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetNodeManager().TagNode(r.Context(), r.PathValue("id"), req.ScopeType, req.ScopeValue); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUntagNode(w http.ResponseWriter, r *http.Request) {
	if err := api.GetNodeManager().UntagNode(r.Context(), r.PathValue("id"), r.PathValue("scopeType"), r.PathValue("value")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignNode(w http.ResponseWriter, r *http.Request) {
	var assignment api.NodeConfigurationInfo
	if err := decodeJSON(r, &assignment); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetNodeManager().AssignConfiguration(r.Context(), r.PathValue("id"), assignment); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, api.NewFieldValidationError("limit", "must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	reports, err := api.GetNodeManager().ListReports(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

// handleNodeParameters answers the operator diagnostics question "what would
// this node get". Nodes assigned a composite must name the child
// configuration.
func (s *Server) handleNodeParameters(w http.ResponseWriter, r *http.Request) {
	diagnostics, err := api.GetParameterManager().NodeEffectiveParameters(r.Context(), r.PathValue("id"), r.URL.Query().Get("configuration"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diagnostics)
}

func (s *Server) handleIssueRegistrationKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLDays int  `json:"ttlDays"`
		MaxUses *int `json:"maxUses"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	key, err := api.GetNodeManager().IssueRegistrationKey(r.Context(), identityFrom(r.Context()).Username, req.TTLDays, req.MaxUses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleListRegistrationKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := api.GetNodeManager().ListRegistrationKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeRegistrationKey(w http.ResponseWriter, r *http.Request) {
	if err := api.GetNodeManager().RevokeRegistrationKey(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegisterNode enrolls a node. The caller is not registered yet, so
// there is no fingerprint match; authentication is the registration key, and
// the presented client certificate becomes the node's identity.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	cert := peerCertificate(r)
	if cert == nil {
		writeError(w, api.NewUnauthorizedError("registration requires a client certificate"))
		return
	}
	var req struct {
		RegistrationKey string `json:"registrationKey"`
		FQDN            string `json:"fqdn"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	node, err := api.GetNodeManager().RegisterNode(r.Context(), api.RegisterNodeRequest{
		RegistrationKey: req.RegistrationKey,
		FQDN:            req.FQDN,
		CertFingerprint: certFingerprint(cert),
		CertSubject:     cert.Subject.String(),
		CertNotAfter:    cert.NotAfter,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// handleRotateCertificate swaps the node's registered certificate for the
// one in the request body. The connection itself is still authenticated by
// the old certificate, which keeps working until the node reconnects.
func (s *Server) handleRotateCertificate(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Certificate string `json:"certificate"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	block, _ := pem.Decode([]byte(req.Certificate))
	if block == nil || block.Type != "CERTIFICATE" {
		writeError(w, api.NewFieldValidationError("certificate", "must be a PEM encoded certificate"))
		return
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		writeError(w, api.NewFieldValidationError("certificate", "does not parse: %v", err))
		return
	}
	err = api.GetNodeManager().RotateCertificate(r.Context(), node.ID, api.CertificateUpdate{
		Fingerprint: certFingerprint(cert),
		Subject:     cert.Subject.String(),
		NotAfter:    cert.NotAfter,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func etagMatches(header, checksum string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		candidate = strings.Trim(candidate, `"`)
		if candidate == checksum {
			return true
		}
	}
	return false
}

// handleBundleChecksum answers the cheap change probe. Besides the manifest
// checksum the response names the resolved version and entry point, which
// agents need to verify an extracted bundle without re-asking.
func (s *Server) handleBundleChecksum(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromPath(w, r)
	if !ok {
		return
	}
	stat, err := api.GetNodeManager().BundleStat(r.Context(), node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+stat.ManifestChecksum+`"`)
	writeJSON(w, http.StatusOK, v1.ChecksumResponse{
		Checksum:   stat.ManifestChecksum,
		Version:    stat.Version,
		EntryPoint: stat.EntryPoint,
	})
}

// countingWriter tracks whether any body bytes were written, so a stream
// failure before the first byte can still produce a proper error response.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// handleBundle streams the node's bundle. The manifest checksum doubles as
// the ETag so nodes can short-circuit with If-None-Match, and the archive
// hash arrives as a trailer because it is only known after streaming.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromPath(w, r)
	if !ok {
		return
	}
	nodeMgr := api.GetNodeManager()

	stat, err := nodeMgr.BundleStat(r.Context(), node.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	checksum := stat.ManifestChecksum
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, checksum) {
		w.Header().Set("ETag", `"`+checksum+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("ETag", `"`+checksum+`"`)
	w.Header().Set(v1.HeaderBundleVersion, stat.Version)
	w.Header().Set(v1.HeaderBundleEntryPoint, stat.EntryPoint)
	w.Header().Set("Trailer", v1.HeaderBundleChecksum)

	counter := &countingWriter{w: w}
	info, err := nodeMgr.StreamBundle(r.Context(), node.ID, counter)
	if err != nil {
		s.metrics.recordBundle(0, err)
		if counter.n == 0 {
			writeError(w, err)
			return
		}
		// Bytes are on the wire; all we can do is abort so the client
		// sees a truncated body without the trailer.
		logging.Error("Server", err, "Bundle stream for node %s aborted mid-transfer", logging.TruncateID(node.ID))
		return
	}
	s.metrics.recordBundle(info.Bytes, nil)
	w.Header().Set(v1.HeaderBundleChecksum, info.ArchiveSHA256)
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromPath(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, api.NewTransientIOError("read report body", err))
		return
	}
	var req struct {
		Operation string                   `json:"operation"`
		ExitCode  int                      `json:"exitCode"`
		Resources []api.ResourceResultInfo `json:"resources"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, api.NewValidationError("report body is not valid JSON: %v", err))
		return
	}
	report, err := api.GetNodeManager().SubmitReport(r.Context(), node.ID, api.ReportSubmission{
		Operation: req.Operation,
		ExitCode:  req.ExitCode,
		Resources: req.Resources,
		Raw:       raw,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}
