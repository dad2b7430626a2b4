package pull

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	v1 "github.com/opendsc/opendsc/pkg/apis/v1"
	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	// bundleDirName is the bundle area inside the agent data directory.
	bundleDirName = "bundle"
	// currentDirName is the extracted tree the worker runs against.
	currentDirName = "current"
)

// extract unpacks the downloaded archive into a staging directory and
// returns the manifest describing what was written. Every entry path is
// re-validated; per-file digests are computed while writing so the manifest
// checksum can be compared against the server's.
func extract(archivePath, stagingDir string) (*v1.Manifest, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, api.NewIntegrityError("downloaded bundle is not a readable archive: %v", err)
	}
	defer func() { _ = zr.Close() }()

	manifest := &v1.Manifest{}
	for _, zf := range zr.File {
		if err := checkEntryPath(zf.Name); err != nil {
			return nil, err
		}
		target := filepath.Join(stagingDir, filepath.FromSlash(zf.Name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, api.NewTransientIOError("create bundle directory", err)
		}
		sum, size, err := writeEntry(zf, target)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, v1.ManifestFile{Path: zf.Name, Size: size, SHA256: sum})
	}
	return manifest, nil
}

func writeEntry(zf *zip.File, target string) (sum string, size int64, err error) {
	rc, err := zf.Open()
	if err != nil {
		return "", 0, api.NewIntegrityError("bundle entry %q does not open: %v", zf.Name, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, api.NewTransientIOError("write bundle entry", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if err != nil {
		return "", 0, api.NewTransientIOError("write bundle entry", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// checkEntryPath enforces the bundle path policy on the receiving side:
// relative, forward slashes, no ".." segment.
func checkEntryPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return api.NewIntegrityError("bundle entry path %q is not a clean relative path", p)
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return api.NewIntegrityError("bundle entry path %q contains a parent segment", p)
		}
		if segment == "" {
			return api.NewIntegrityError("bundle entry path %q contains an empty segment", p)
		}
	}
	return nil
}

// swapIntoPlace atomically replaces the current bundle tree with the staged
// one and persists its manifest beside it. The old tree is moved aside
// first so a failed swap cannot leave a half-written current directory.
func swapIntoPlace(bundleDir, stagingDir string, manifest *v1.Manifest) error {
	currentDir := filepath.Join(bundleDir, currentDirName)
	oldDir := filepath.Join(bundleDir, "old-"+uuid.New().String())

	hadPrevious := false
	if _, err := os.Stat(currentDir); err == nil {
		hadPrevious = true
		if err := os.Rename(currentDir, oldDir); err != nil {
			return api.NewTransientIOError("move previous bundle aside", err)
		}
	}
	if err := os.Rename(stagingDir, currentDir); err != nil {
		if hadPrevious {
			_ = os.Rename(oldDir, currentDir)
		}
		return api.NewTransientIOError("activate new bundle", err)
	}
	if hadPrevious {
		if err := os.RemoveAll(oldDir); err != nil {
			logging.Warn("Pull", "Could not remove previous bundle tree %s: %v", oldDir, err)
		}
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding bundle manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, v1.ManifestFilename), data, 0o644); err != nil {
		return api.NewTransientIOError("write bundle manifest", err)
	}
	return nil
}

// loadManifest reads the stored manifest of the current bundle. A missing
// manifest means no bundle has been extracted yet.
func loadManifest(bundleDir string) (*v1.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(bundleDir, v1.ManifestFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, api.NewTransientIOError("read bundle manifest", err)
	}
	var m v1.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, api.NewIntegrityError("stored bundle manifest does not parse: %v", err)
	}
	return &m, nil
}

// verifyIntact checks the extracted tree against its manifest without
// hashing: every file must exist with its recorded size and the entry point
// must be present. Good enough to detect a deleted or truncated tree
// cheaply on every cycle; content corruption is caught by the next
// checksum change.
func verifyIntact(bundleDir string, m *v1.Manifest) bool {
	if m == nil {
		return false
	}
	currentDir := filepath.Join(bundleDir, currentDirName)
	if m.EntryPoint != "" {
		if _, err := os.Stat(filepath.Join(currentDir, filepath.FromSlash(m.EntryPoint))); err != nil {
			return false
		}
	}
	for _, f := range m.Files {
		info, err := os.Stat(filepath.Join(currentDir, filepath.FromSlash(f.Path)))
		if err != nil || info.Size() != f.Size {
			return false
		}
	}
	return true
}
