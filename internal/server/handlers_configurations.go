package server

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// pathVersion decodes the {version} path segment. SemVer build metadata uses
// `+`, which clients percent-encode.
func pathVersion(r *http.Request) (string, error) {
	version, err := url.PathUnescape(r.PathValue("version"))
	if err != nil {
		return "", api.NewFieldValidationError("version", "malformed escape in %q", r.PathValue("version"))
	}
	return version, nil
}

// parseUploadForm reads a multipart version upload: string fields plus any
// number of `files` parts whose filename carries the bundle-relative path.
func parseUploadForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return api.NewValidationError("malformed multipart upload: %v", err)
	}
	return nil
}

func formFiles(r *http.Request) ([]api.FileUpload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var files []api.FileUpload
	for _, header := range r.MultipartForm.File["files"] {
		part, err := header.Open()
		if err != nil {
			return nil, api.NewTransientIOError("read upload part", err)
		}
		content, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return nil, api.NewTransientIOError("read upload part", err)
		}
		files = append(files, api.FileUpload{Path: header.Filename, Content: content})
	}
	return files, nil
}

func formBool(r *http.Request, field string) bool {
	value, _ := strconv.ParseBool(r.FormValue(field))
	return value
}

// authorizeConfiguration resolves a configuration name and checks the ACL at
// the given level. The id is returned for handlers that need it.
func (s *Server) authorizeConfiguration(r *http.Request, name, level string) (*api.ConfigurationInfo, error) {
	info, err := api.GetConfigurationManager().GetConfiguration(r.Context(), name)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeResource(r, store.ResourceConfiguration, info.ID, level); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) handleCreateConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := parseUploadForm(w, r); err != nil {
		writeError(w, err)
		return
	}
	files, err := formFiles(r)
	if err != nil {
		writeError(w, err)
		return
	}
	identity := identityFrom(r.Context())
	info, err := api.GetConfigurationManager().CreateConfiguration(r.Context(), api.CreateConfigurationRequest{
		Name:          r.FormValue("name"),
		Description:   r.FormValue("description"),
		EntryPoint:    r.FormValue("entryPoint"),
		ServerManaged: formBool(r, "serverManaged"),
		Version:       r.FormValue("version"),
		IsDraft:       formBool(r, "isDraft"),
		Files:         files,
		CreatedBy:     identity.Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetAuthManager().GrantOwner(r.Context(), identity.Username, store.ResourceConfiguration, info.ID); err != nil {
		logging.Warn("Server", "Failed to seed owner ACL for configuration %s: %v", info.Name, err)
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListConfigurations(w http.ResponseWriter, r *http.Request) {
	all, err := api.GetConfigurationManager().ListConfigurations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// The listing only shows what the caller may read.
	visible := make([]api.ConfigurationInfo, 0, len(all))
	for _, info := range all {
		if err := s.authorizeResource(r, store.ResourceConfiguration, info.ID, store.LevelRead); err == nil {
			visible = append(visible, info)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	info, err := s.authorizeConfiguration(r, r.PathValue("name"), store.LevelRead)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	info, err := s.authorizeConfiguration(r, r.PathValue("name"), store.LevelRead)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info.Versions)
}

func (s *Server) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	if err := parseUploadForm(w, r); err != nil {
		writeError(w, err)
		return
	}
	files, err := formFiles(r)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := api.GetConfigurationManager().UploadVersion(r.Context(), api.UploadVersionRequest{
		Configuration: name,
		Version:       r.FormValue("version"),
		IsDraft:       formBool(r, "isDraft"),
		Files:         files,
		CreatedBy:     identityFrom(r.Context()).Username,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := api.GetConfigurationManager().PublishVersion(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleArchiveVersion(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := api.GetConfigurationManager().ArchiveVersion(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelModify); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetConfigurationManager().DeleteVersion(r.Context(), name, version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelManage); err != nil {
		writeError(w, err)
		return
	}
	if err := api.GetConfigurationManager().DeleteConfiguration(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetVersionFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.authorizeConfiguration(r, name, store.LevelRead); err != nil {
		writeError(w, err)
		return
	}
	version, err := pathVersion(r)
	if err != nil {
		writeError(w, err)
		return
	}
	content, err := api.GetConfigurationManager().GetVersionFile(r.Context(), name, version, r.PathValue("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
