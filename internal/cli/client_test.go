package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendsc/opendsc/internal/api"
)

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.dsc.yaml"), []byte("resources: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "motd.tmpl"), []byte("hello\n"), 0o644))

	parts, err := CollectFiles(dir)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "files/motd.tmpl", parts[0].Path, "paths are slash separated and sorted")
	assert.Equal(t, "main.dsc.yaml", parts[1].Path)
	assert.Equal(t, []byte("hello\n"), parts[0].Content)
}

func TestCollectFilesEmptyDirectory(t *testing.T) {
	_, err := CollectFiles(t.TempDir())
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
}

func TestCreateConfigurationSendsMultipart(t *testing.T) {
	var gotAuth string
	var gotFields map[string]string
	var gotFiles map[string][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/configurations", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFields = map[string]string{}
		for key := range r.MultipartForm.Value {
			gotFields[key] = r.FormValue(key)
		}
		gotFiles = map[string][]byte{}
		for _, h := range r.MultipartForm.File["files"] {
			f, err := h.Open()
			require.NoError(t, err)
			var buf bytes.Buffer
			_, err = buf.ReadFrom(f)
			require.NoError(t, err)
			gotFiles[h.Filename] = buf.Bytes()
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.ConfigurationInfo{Name: "web", EntryPoint: "main.dsc.yaml"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "pat-token")
	require.NoError(t, err)

	info, err := c.CreateConfiguration(context.Background(), CreateConfigurationOptions{
		Name:       "web",
		EntryPoint: "main.dsc.yaml",
		Version:    "1.0.0",
		Files: []FilePart{
			{Path: "main.dsc.yaml", Content: []byte("resources: []\n")},
			{Path: "files/motd.tmpl", Content: []byte("hello\n")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "web", info.Name)
	assert.Equal(t, "Bearer pat-token", gotAuth)
	assert.Equal(t, "web", gotFields["name"])
	assert.Equal(t, "1.0.0", gotFields["version"])
	assert.Equal(t, "false", gotFields["isDraft"])
	require.Len(t, gotFiles, 2)
	assert.Equal(t, []byte("hello\n"), gotFiles["files/motd.tmpl"])
}

func TestUploadParametersSendsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/parameters/Environment/web", r.URL.Path)
		assert.Equal(t, "1.0.0", r.URL.Query().Get("version"))
		assert.Equal(t, "prod", r.URL.Query().Get("scopeValue"))
		assert.Equal(t, "true", r.URL.Query().Get("activate"))
		assert.Equal(t, "application/yaml", r.Header.Get("Content-Type"))
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		assert.Equal(t, "port: 8080\n", body.String())
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.ParameterFileInfo{Version: "1.0.0", State: api.ParameterStateActive})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok")
	require.NoError(t, err)
	info, err := c.UploadParameters(context.Background(), "web", "Environment", "prod", "1.0.0", []byte("port: 8080\n"), "application/yaml", true)
	require.NoError(t, err)
	assert.Equal(t, api.ParameterStateActive, info.State)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   interface{}
		check  func(t *testing.T, err error)
	}{
		{
			name:   "validation with field",
			status: http.StatusBadRequest,
			body:   map[string]interface{}{"code": "validation", "message": "invalid version: empty", "details": map[string]string{"field": "version"}},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsValidation(err))
				assert.Equal(t, ExitValidation, ExitCode(err))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   map[string]string{"code": "unauthorized", "message": "token expired"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsUnauthorized(err))
				assert.Equal(t, ExitAuth, ExitCode(err))
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   map[string]string{"code": "forbidden", "message": "forbidden"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsForbidden(err))
				assert.Equal(t, ExitAuth, ExitCode(err))
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   map[string]string{"code": "not-found", "message": "configuration web not found"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsNotFound(err))
				assert.Equal(t, ExitError, ExitCode(err))
			},
		},
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   map[string]string{"code": "conflict", "message": "version exists"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsConflict(err))
			},
		},
		{
			name:   "archived",
			status: http.StatusGone,
			body:   map[string]string{"code": "archived", "message": "version 1.0.0 is archived"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsArchived(err))
			},
		},
		{
			name:   "transient",
			status: http.StatusServiceUnavailable,
			body:   map[string]string{"code": "transient", "message": "storage unavailable"},
			check: func(t *testing.T, err error) {
				assert.True(t, api.IsTransientIO(err))
				assert.Equal(t, ExitConnectivity, ExitCode(err))
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, "tok")
			require.NoError(t, err)
			_, err = c.ListConfigurations(context.Background())
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", "tok")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Health(ctx)
	require.Error(t, err)
	assert.True(t, api.IsTransientIO(err))
	assert.Equal(t, ExitConnectivity, ExitCode(err))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", "")
	require.Error(t, err)
	assert.True(t, api.IsValidation(err))
	assert.Equal(t, ExitValidation, ExitCode(err))
}

func TestExitCodeDefaults(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitError, ExitCode(assert.AnError))
	assert.Equal(t, ExitValidation, ExitCode(&api.SemVerViolationError{Required: "major", Got: "1.0.1", Reason: "removed parameter"}))
}
