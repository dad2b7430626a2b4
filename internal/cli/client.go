// Package cli is the operator-facing client layer: a REST client against the
// pull server's /api/v1 surface, table rendering for listings and a spinner
// for long-running calls. Server errors come back as the same typed kinds
// the server maps onto HTTP statuses, so commands can derive exit codes with
// errors.As.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/pkg/logging"
)

const requestTimeout = 60 * time.Second

// Client calls the operator API. Token is a personal access token sent as a
// bearer credential; empty means unauthenticated (only /healthz works).
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for the server base URL.
func NewClient(serverURL, token string) (*Client, error) {
	base, err := url.Parse(serverURL)
	if err != nil || base.Host == "" {
		return nil, api.NewFieldValidationError("server", "%q is not a valid URL", serverURL)
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// Health probes /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, "", nil)
}

// --- Configurations ---

// FilePart is one file of a multipart version upload. Path is the
// bundle-relative path, forward slashes.
type FilePart struct {
	Path    string
	Content []byte
}

// CollectFiles walks dir and returns every regular file as a FilePart with
// its path relative to dir. Entries come back sorted for stable uploads.
func CollectFiles(dir string) ([]FilePart, error) {
	var parts []FilePart
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		parts = append(parts, FilePart{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		return nil, api.NewTransientIOError("read upload directory", err)
	}
	if len(parts) == 0 {
		return nil, api.NewValidationError("directory %s contains no files", dir)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Path < parts[j].Path })
	return parts, nil
}

// CreateConfigurationOptions parameterizes a configuration create.
type CreateConfigurationOptions struct {
	Name          string
	Description   string
	EntryPoint    string
	ServerManaged bool
	Version       string
	Draft         bool
	Files         []FilePart
}

// CreateConfiguration creates a configuration with its initial version.
func (c *Client) CreateConfiguration(ctx context.Context, opts CreateConfigurationOptions) (*api.ConfigurationInfo, error) {
	fields := map[string]string{
		"name":          opts.Name,
		"description":   opts.Description,
		"entryPoint":    opts.EntryPoint,
		"serverManaged": fmt.Sprintf("%t", opts.ServerManaged),
		"version":       opts.Version,
		"isDraft":       fmt.Sprintf("%t", opts.Draft),
	}
	var info api.ConfigurationInfo
	if err := c.doMultipart(ctx, "/api/v1/configurations", fields, opts.Files, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadVersion adds a version to an existing configuration.
func (c *Client) UploadVersion(ctx context.Context, name, version string, draft bool, files []FilePart) (*api.VersionInfo, error) {
	fields := map[string]string{
		"version": version,
		"isDraft": fmt.Sprintf("%t", draft),
	}
	var info api.VersionInfo
	path := "/api/v1/configurations/" + url.PathEscape(name) + "/versions"
	if err := c.doMultipart(ctx, path, fields, files, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListConfigurations lists the configurations visible to the caller.
func (c *Client) ListConfigurations(ctx context.Context) ([]api.ConfigurationInfo, error) {
	var out []api.ConfigurationInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/configurations", nil, "", &out)
	return out, err
}

// GetConfiguration fetches one configuration with its versions.
func (c *Client) GetConfiguration(ctx context.Context, name string) (*api.ConfigurationInfo, error) {
	var info api.ConfigurationInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/configurations/"+url.PathEscape(name), nil, "", &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// PublishVersion promotes a draft version.
func (c *Client) PublishVersion(ctx context.Context, name, version string) (*api.VersionInfo, error) {
	var info api.VersionInfo
	err := c.do(ctx, http.MethodPut, c.versionPath(name, version)+"/publish", nil, "", &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ArchiveVersion archives a version; archived versions are readable but
// never served.
func (c *Client) ArchiveVersion(ctx context.Context, name, version string) (*api.VersionInfo, error) {
	var info api.VersionInfo
	err := c.do(ctx, http.MethodPut, c.versionPath(name, version)+"/archive", nil, "", &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteVersion removes a version entirely.
func (c *Client) DeleteVersion(ctx context.Context, name, version string) error {
	return c.do(ctx, http.MethodDelete, c.versionPath(name, version), nil, "", nil)
}

// DeleteConfiguration removes a configuration with all its versions.
func (c *Client) DeleteConfiguration(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/configurations/"+url.PathEscape(name), nil, "", nil)
}

func (c *Client) versionPath(name, version string) string {
	return "/api/v1/configurations/" + url.PathEscape(name) + "/versions/" + url.PathEscape(version)
}

// --- Composite configurations ---

// CreateCompositeOptions parameterizes a composite create.
type CreateCompositeOptions struct {
	Name        string
	Description string
	EntryPoint  string
	Version     string
	Draft       bool
	Items       []api.CompositeItemInfo
}

// CreateComposite creates a composite configuration.
func (c *Client) CreateComposite(ctx context.Context, opts CreateCompositeOptions) (*api.CompositeInfo, error) {
	body := map[string]interface{}{
		"name":        opts.Name,
		"description": opts.Description,
		"entryPoint":  opts.EntryPoint,
		"version":     opts.Version,
		"isDraft":     opts.Draft,
		"items":       opts.Items,
	}
	var info api.CompositeInfo
	if err := c.do(ctx, http.MethodPost, "/api/v1/composite-configurations", body, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListComposites lists composite configurations.
func (c *Client) ListComposites(ctx context.Context) ([]api.CompositeInfo, error) {
	var out []api.CompositeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/composite-configurations", nil, "", &out)
	return out, err
}

// GetComposite fetches one composite with its versions.
func (c *Client) GetComposite(ctx context.Context, name string) (*api.CompositeInfo, error) {
	var info api.CompositeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/composite-configurations/"+url.PathEscape(name), nil, "", &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UploadCompositeVersion adds a version to a composite.
func (c *Client) UploadCompositeVersion(ctx context.Context, name, version string, draft bool, items []api.CompositeItemInfo) (*api.CompositeVersionInfo, error) {
	body := map[string]interface{}{
		"version": version,
		"isDraft": draft,
		"items":   items,
	}
	var info api.CompositeVersionInfo
	path := "/api/v1/composite-configurations/" + url.PathEscape(name) + "/versions"
	if err := c.do(ctx, http.MethodPost, path, body, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PublishCompositeVersion promotes a draft composite version.
func (c *Client) PublishCompositeVersion(ctx context.Context, name, version string) (*api.CompositeVersionInfo, error) {
	var info api.CompositeVersionInfo
	path := "/api/v1/composite-configurations/" + url.PathEscape(name) + "/versions/" + url.PathEscape(version) + "/publish"
	if err := c.do(ctx, http.MethodPut, path, nil, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Parameters ---

// UploadParameters uploads a parameters document for one scope slot.
func (c *Client) UploadParameters(ctx context.Context, configID, scopeType, scopeValue, version string, content []byte, contentType string, activate bool) (*api.ParameterFileInfo, error) {
	q := url.Values{}
	q.Set("version", version)
	if scopeValue != "" {
		q.Set("scopeValue", scopeValue)
	}
	if activate {
		q.Set("activate", "true")
	}
	path := "/api/v1/parameters/" + url.PathEscape(scopeType) + "/" + url.PathEscape(configID) + "?" + q.Encode()
	var info api.ParameterFileInfo
	if err := c.doRaw(ctx, http.MethodPost, path, content, contentType, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ActivateParameters activates an uploaded parameters version.
func (c *Client) ActivateParameters(ctx context.Context, configID, scopeType, scopeValue, version string) (*api.ParameterFileInfo, error) {
	path := "/api/v1/parameters/" + url.PathEscape(scopeType) + "/" + url.PathEscape(configID) +
		"/versions/" + url.PathEscape(version) + "/activate"
	if scopeValue != "" {
		path += "?scopeValue=" + url.QueryEscape(scopeValue)
	}
	var info api.ParameterFileInfo
	if err := c.do(ctx, http.MethodPut, path, nil, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Provenance previews the merge for one scope slot with per-leaf provenance.
func (c *Client) Provenance(ctx context.Context, configID, scopeType, scopeValue string) (*api.MergeDiagnostics, error) {
	path := "/api/v1/parameters/" + url.PathEscape(scopeType) + "/" + url.PathEscape(configID) + "/provenance"
	if scopeValue != "" {
		path += "?scopeValue=" + url.QueryEscape(scopeValue)
	}
	var diag api.MergeDiagnostics
	if err := c.do(ctx, http.MethodGet, path, nil, "", &diag); err != nil {
		return nil, err
	}
	return &diag, nil
}

// --- Scope types ---

// ListScopeTypes lists scope types in precedence order.
func (c *Client) ListScopeTypes(ctx context.Context) ([]api.ScopeTypeInfo, error) {
	var out []api.ScopeTypeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/scope-types", nil, "", &out)
	return out, err
}

// CreateScopeType adds a scope type.
func (c *Client) CreateScopeType(ctx context.Context, name string, precedence int, allowsValues bool) (*api.ScopeTypeInfo, error) {
	body := map[string]interface{}{"name": name, "precedence": precedence, "allowsValues": allowsValues}
	var info api.ScopeTypeInfo
	if err := c.do(ctx, http.MethodPost, "/api/v1/scope-types", body, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// AddScopeValue registers a value under a scope type.
func (c *Client) AddScopeValue(ctx context.Context, scopeTypeID, value string) error {
	body := map[string]string{"value": value}
	return c.do(ctx, http.MethodPost, "/api/v1/scope-types/"+url.PathEscape(scopeTypeID)+"/values", body, "", nil)
}

// ReorderScopeTypes applies a complete id to precedence mapping atomically.
func (c *Client) ReorderScopeTypes(ctx context.Context, precedences map[string]int) error {
	body := map[string]interface{}{"precedences": precedences}
	return c.do(ctx, http.MethodPut, "/api/v1/scope-types/order", body, "", nil)
}

// --- Nodes and registration keys ---

// ListNodes lists registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]api.NodeInfo, error) {
	var out []api.NodeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, "", &out)
	return out, err
}

// GetNode fetches one node.
func (c *Client) GetNode(ctx context.Context, id string) (*api.NodeInfo, error) {
	var info api.NodeInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/nodes/"+url.PathEscape(id), nil, "", &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// TagNode attaches a scope value to a node.
func (c *Client) TagNode(ctx context.Context, id, scopeType, scopeValue string) error {
	body := map[string]string{"scopeType": scopeType, "scopeValue": scopeValue}
	return c.do(ctx, http.MethodPost, "/api/v1/nodes/"+url.PathEscape(id)+"/tags", body, "", nil)
}

// AssignNode sets a node's configuration assignment.
func (c *Client) AssignNode(ctx context.Context, id string, assignment api.NodeConfigurationInfo) error {
	return c.do(ctx, http.MethodPut, "/api/v1/nodes/"+url.PathEscape(id)+"/assignment", assignment, "", nil)
}

// DeleteNode deregisters a node.
func (c *Client) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/nodes/"+url.PathEscape(id), nil, "", nil)
}

// NodeReports fetches a node's compliance reports, latest first.
func (c *Client) NodeReports(ctx context.Context, id string, limit int) ([]api.ReportInfo, error) {
	path := "/api/v1/nodes/" + url.PathEscape(id) + "/reports"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []api.ReportInfo
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

// IssueRegistrationKey mints a registration key. The token is only returned
// here, never again.
func (c *Client) IssueRegistrationKey(ctx context.Context, ttlDays int, maxUses *int) (*api.RegistrationKeyInfo, error) {
	body := map[string]interface{}{"ttlDays": ttlDays, "maxUses": maxUses}
	var info api.RegistrationKeyInfo
	if err := c.do(ctx, http.MethodPost, "/api/v1/registration-keys", body, "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRegistrationKeys lists registration keys without their tokens.
func (c *Client) ListRegistrationKeys(ctx context.Context) ([]api.RegistrationKeyInfo, error) {
	var out []api.RegistrationKeyInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/registration-keys", nil, "", &out)
	return out, err
}

// RevokeRegistrationKey revokes a registration key.
func (c *Client) RevokeRegistrationKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/registration-keys/"+url.PathEscape(id), nil, "", nil)
}

// --- Retention ---

// RunRetention runs the configuration retention pass, and the parameters
// pass with the same policy.
func (c *Client) RunRetention(ctx context.Context, req api.RetentionRequest, target string) (*api.RetentionReport, error) {
	body := map[string]interface{}{
		"keepVersions": req.KeepVersions,
		"keepDays":     req.KeepDays,
		"dryRun":       req.DryRun,
	}
	var report api.RetentionReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/retention/"+target+"/cleanup", body, "", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// --- transport ---

func (c *Client) do(ctx context.Context, method, path string, body interface{}, contentType string, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		if contentType == "" {
			contentType = "application/json"
		}
	}
	return c.doRaw(ctx, method, path, payload, contentType, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, payload []byte, contentType string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req, out)
}

// doMultipart posts string fields plus file parts named `files`, each part's
// filename carrying the bundle-relative path.
func (c *Client) doMultipart(ctx context.Context, path string, fields map[string]string, files []FilePart, out interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := mw.WriteField(key, value); err != nil {
			return fmt.Errorf("encoding upload: %w", err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Path)
		if err != nil {
			return fmt.Errorf("encoding upload: %w", err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return fmt.Errorf("encoding upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("encoding upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return api.NewTransientIOError(req.Method+" "+req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("response from %s does not parse: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) resolve(path string) string {
	u := *c.base
	split := strings.SplitN(path, "?", 2)
	u.Path = strings.TrimSuffix(u.Path, "/") + split[0]
	if len(split) == 2 {
		u.RawQuery = split[1]
	}
	return u.String()
}

// statusError rebuilds the server's typed error from the response.
func statusError(resp *http.Response) error {
	var body struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details,omitempty"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if field := body.Details["field"]; field != "" {
			return &api.ValidationError{Field: field, Message: message}
		}
		return api.NewValidationError("%s", message)
	case http.StatusUnauthorized:
		return api.NewUnauthorizedError("%s", message)
	case http.StatusForbidden:
		return &api.ForbiddenError{}
	case http.StatusNotFound:
		return api.NewNotFoundError("resource", message)
	case http.StatusConflict:
		return api.NewConflictError("%s", message)
	case http.StatusGone:
		return api.NewArchivedError(message)
	case http.StatusServiceUnavailable:
		return api.NewTransientIOError("server request", fmt.Errorf("%s", message))
	default:
		logging.Debug("CLI", "Unexpected status %d from %s", resp.StatusCode, resp.Request.URL.Path)
		return fmt.Errorf("%s", message)
	}
}
