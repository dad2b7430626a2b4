package v1

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ManifestFilename is the name of the agent's record of an extracted
// bundle, stored next to the extracted tree in the agent data directory.
const ManifestFilename = "bundle.json"

// Manifest describes the contents of a configuration bundle. The agent
// writes one while extracting a downloaded bundle and uses it afterwards as
// the integrity record: Checksum over its entries reproduces the server's
// manifest checksum, so a stored manifest plus intact files means the
// server's change probe can short-circuit the download.
type Manifest struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	EntryPoint string         `json:"entryPoint"`
	Composite  bool           `json:"composite,omitempty"`
	Files      []ManifestFile `json:"files"`
	Parameters bool           `json:"parameters,omitempty"`
}

// ManifestFile is one file entry of a manifest.
type ManifestFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Checksum returns the manifest checksum: the hex SHA-256 over the version
// string followed by one "path:sha256" line per file, sorted ASCII-ascending
// by path. It depends only on the version and the set of (path, digest)
// pairs, so it is stable across file ordering and archive rebuilds.
func (m *Manifest) Checksum() string {
	lines := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		lines = append(lines, f.Path+":"+f.SHA256)
	}
	sort.Strings(lines)

	h := sha256.New()
	h.Write([]byte(m.Version))
	h.Write([]byte{'\n'})
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON returns the manifest's canonical encoding: file entries
// sorted by path, keys in struct order, no indentation.
func (m *Manifest) CanonicalJSON() ([]byte, error) {
	c := *m
	c.Files = make([]ManifestFile, len(m.Files))
	copy(c.Files, m.Files)
	sort.Slice(c.Files, func(i, j int) bool { return c.Files[i].Path < c.Files[j].Path })
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return data, nil
}

// FileByPath returns the entry for path, or nil.
func (m *Manifest) FileByPath(path string) *ManifestFile {
	for i := range m.Files {
		if m.Files[i].Path == path {
			return &m.Files[i]
		}
	}
	return nil
}
