// Package pull is the agent side of the pull server protocol: registration,
// the cheap checksum probe, verified bundle download with atomic extraction,
// certificate rotation and compliance report submission. All node endpoints
// run over mutual TLS; the client certificate is the node's identity.
package pull

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	v1 "github.com/opendsc/opendsc/pkg/apis/v1"
	"github.com/opendsc/opendsc/pkg/logging"
)

// requestTimeout bounds every call except the bundle download, which gets
// downloadTimeout.
const (
	requestTimeout  = 30 * time.Second
	downloadTimeout = 10 * time.Minute
)

// Options configures a pull client.
type Options struct {
	// ServerURL is the pull server base URL, https.
	ServerURL string
	// DataDir is the agent data directory holding state and bundles.
	DataDir string
	// FQDN identifies this node at registration.
	FQDN string
	// Certificate is the client certificate presented on every request.
	Certificate tls.Certificate
	// TrustedCAPath optionally adds a PEM CA bundle for the server
	// certificate, for servers not signed by a system root.
	TrustedCAPath string
}

// Client talks to the pull server on behalf of one node.
type Client struct {
	base    *url.URL
	dataDir string
	fqdn    string
	caPool  *x509.CertPool

	mu        sync.Mutex
	http      *http.Client
	st        *state
	lastEntry string
}

// New creates a client and loads the persisted pull state.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.ServerURL)
	if err != nil || base.Host == "" {
		return nil, api.NewFieldValidationError("ServerUrl", "%q is not a valid URL", opts.ServerURL)
	}
	st, err := loadState(opts.DataDir)
	if err != nil {
		return nil, err
	}

	var pool *x509.CertPool
	if opts.TrustedCAPath != "" {
		pem, err := os.ReadFile(opts.TrustedCAPath)
		if err != nil {
			return nil, fmt.Errorf("reading trusted CA bundle: %w", err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("trusted CA bundle %s contains no certificates", opts.TrustedCAPath)
		}
	}

	c := &Client{
		base:    base,
		dataDir: opts.DataDir,
		fqdn:    opts.FQDN,
		caPool:  pool,
		st:      st,
	}
	c.http = c.buildHTTPClient(opts.Certificate)
	return c, nil
}

// SetCertificate swaps the client certificate, after a rotation.
func (c *Client) SetCertificate(cert tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.http = c.buildHTTPClient(cert)
}

func (c *Client) buildHTTPClient(cert tls.Certificate) *http.Client {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if c.caPool != nil {
		tlsCfg.RootCAs = c.caPool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

// NodeID returns the registered node id, empty before registration.
func (c *Client) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.NodeID
}

// Registered reports whether this node has an identity on the server.
func (c *Client) Registered() bool {
	return c.NodeID() != ""
}

// Register enrolls the node with the registration key. A node that is
// already registered returns immediately.
func (c *Client) Register(ctx context.Context, registrationKey string) error {
	if c.Registered() {
		return nil
	}
	if registrationKey == "" {
		return api.NewFieldValidationError("RegistrationKey", "must be set for first-time registration")
	}

	var resp v1.RegisterResponse
	err := c.postJSON(ctx, "/api/v1/nodes/register", v1.RegisterRequest{
		RegistrationKey: registrationKey,
		FQDN:            c.fqdn,
	}, &resp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.st.NodeID = resp.NodeID
	err = c.st.save(c.dataDir)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	logging.Info("Pull", "Registered as node %s", resp.NodeID)
	return nil
}

// Checksum asks the server for the current bundle's manifest checksum and
// resolved identity.
func (c *Client) Checksum(ctx context.Context) (*v1.ChecksumResponse, error) {
	var resp v1.ChecksumResponse
	if err := c.getJSON(ctx, c.nodePath("configuration/checksum"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh brings the local bundle up to date and returns the absolute path
// of its entry point. When the server checksum matches the stored one and
// the extracted tree is intact, nothing is downloaded.
func (c *Client) Refresh(ctx context.Context) (entryPoint string, changed bool, err error) {
	if !c.Registered() {
		return "", false, api.NewUnauthorizedError("node is not registered")
	}
	stat, err := c.Checksum(ctx)
	if err != nil {
		return "", false, err
	}

	bundleDir := filepath.Join(c.dataDir, bundleDirName)
	if stat.Checksum == c.storedChecksum() {
		m, merr := loadManifest(bundleDir)
		if merr == nil && verifyIntact(bundleDir, m) {
			return c.resolved(m.EntryPoint), false, nil
		}
		logging.Warn("Pull", "Local bundle is damaged or missing, downloading again")
	}

	manifest, err := c.download(ctx, stat)
	if err != nil {
		return "", false, err
	}

	c.mu.Lock()
	c.st.Checksum = stat.Checksum
	err = c.st.save(c.dataDir)
	c.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	logging.Info("Pull", "Bundle updated to %s (checksum %s)", manifest.Version, stat.Checksum[:12])
	return c.resolved(manifest.EntryPoint), true, nil
}

// resolved records and returns the entry point path Refresh settled on.
func (c *Client) resolved(entryPoint string) string {
	path := c.entryPath(entryPoint)
	c.mu.Lock()
	c.lastEntry = path
	c.mu.Unlock()
	return path
}

// Document returns the most recently resolved entry point path, or the empty
// string before the first successful Refresh. The worker compares it against
// the tested document before remediating.
func (c *Client) Document() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEntry
}

// download streams the bundle to a temp file, verifies the archive digest
// from the trailer, extracts into a staging directory, verifies the
// extracted tree against the manifest checksum and swaps it into place.
func (c *Client) download(ctx context.Context, stat *v1.ChecksumResponse) (*v1.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(c.nodePath("configuration")), nil)
	if err != nil {
		return nil, fmt.Errorf("building bundle request: %w", err)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, api.NewTransientIOError("download bundle", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	if err := os.MkdirAll(c.dataDir, 0o700); err != nil {
		return nil, api.NewTransientIOError("create data directory", err)
	}
	tmp, err := os.CreateTemp(c.dataDir, "bundle-*.zip")
	if err != nil {
		return nil, api.NewTransientIOError("create download file", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return nil, api.NewTransientIOError("download bundle", copyErr)
	}
	if closeErr != nil {
		return nil, api.NewTransientIOError("write download file", closeErr)
	}

	// The archive digest arrives as a trailer; it is only populated after
	// the body has been fully consumed.
	if expected := resp.Trailer.Get(v1.HeaderBundleChecksum); expected != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, expected) {
			return nil, api.NewIntegrityError("bundle archive digest mismatch: downloaded %s, server sent %s", got, expected)
		}
	} else {
		logging.Warn("Pull", "Server sent no archive digest trailer, relying on the manifest checksum only")
	}

	bundleDir := filepath.Join(c.dataDir, bundleDirName)
	stagingDir := filepath.Join(bundleDir, "staging-"+uuid.New().String())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, api.NewTransientIOError("create staging directory", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	manifest, err := extract(tmpPath, stagingDir)
	if err != nil {
		return nil, err
	}
	manifest.Version = headerOr(resp.Header.Get(v1.HeaderBundleVersion), stat.Version)
	manifest.EntryPoint = headerOr(resp.Header.Get(v1.HeaderBundleEntryPoint), stat.EntryPoint)

	// The manifest checksum recomputed from the extracted files must
	// reproduce the server's change-detection value.
	if got := manifest.Checksum(); got != stat.Checksum {
		return nil, api.NewIntegrityError("extracted bundle does not match the server checksum: computed %s, expected %s", got, stat.Checksum)
	}
	if manifest.EntryPoint == "" || manifest.FileByPath(manifest.EntryPoint) == nil {
		return nil, api.NewIntegrityError("bundle is missing its entry point %q", manifest.EntryPoint)
	}

	if err := swapIntoPlace(bundleDir, stagingDir, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// RotateCertificate registers the replacement certificate. The request runs
// over the current (old) certificate; the server swaps the stored
// fingerprint on success.
func (c *Client) RotateCertificate(ctx context.Context, certPEM []byte) error {
	return c.postJSON(ctx, c.nodePath("rotate-certificate"), map[string]string{
		"certificate": string(certPEM),
	}, nil)
}

// SubmitReport sends a compliance report.
func (c *Client) SubmitReport(ctx context.Context, report v1.ReportRequest) error {
	return c.postJSON(ctx, c.nodePath("reports"), report, nil)
}

func (c *Client) storedChecksum() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Checksum
}

func (c *Client) entryPath(entryPoint string) string {
	return filepath.Join(c.dataDir, bundleDirName, currentDirName, filepath.FromSlash(entryPoint))
}

func (c *Client) nodePath(suffix string) string {
	return "/api/v1/nodes/" + url.PathEscape(c.NodeID()) + "/" + suffix
}

func (c *Client) resolve(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client().Do(req)
	if err != nil {
		return api.NewTransientIOError(req.Method+" "+req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return api.NewIntegrityError("response from %s does not parse: %v", req.URL.Path, err)
	}
	return nil
}

// responseError turns an API error body into the matching error kind.
func responseError(resp *http.Response) error {
	var body v1.ErrorBody
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
	default:
		if resp.StatusCode >= 500 {
			return api.NewTransientIOError("server request", fmt.Errorf("%s", message))
		}
		return api.NewValidationError("%s", message)
	}
}

func headerOr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
