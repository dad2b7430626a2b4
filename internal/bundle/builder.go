// Package bundle materializes a node's resolved configuration into a
// deterministic ZIP archive: configuration files at their relative paths,
// the merged parameters document where server-managed parameters apply and,
// for composites, a generated orchestrator at the root. Building the same
// resolved content twice yields byte-identical archives, which is what makes
// the manifest checksum a reliable change signal.
package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/params"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// ParametersFileName is the well-known name of the merged parameters
// document inside a bundle.
const ParametersFileName = "parameters.yaml"

// zipEpoch is the fixed modification time stamped on every archive entry.
// ZIP cannot represent times before 1980.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Builder assembles and streams node bundles.
type Builder struct {
	store  store.Store
	params *params.Service
}

// NewBuilder returns a Builder reading metadata and content from st and
// merged parameters from ps.
func NewBuilder(st store.Store, ps *params.Service) *Builder {
	return &Builder{store: st, params: ps}
}

// entry is one file of a bundle. Stored files carry a blobID and the digest
// recorded at upload; generated files carry their bytes directly.
type entry struct {
	path    string
	sha256  string
	size    int64
	blobID  string
	content []byte
}

// Info describes a finished or planned bundle.
type Info struct {
	Name             string
	Version          string
	EntryPoint       string
	ManifestChecksum string
	ArchiveSHA256    string
	Bytes            int64
}

// ManifestChecksum computes the change-detection checksum for the node's
// current bundle without writing the archive: SHA-256 over the resolved
// version followed by one "path:sha256" line per entry, sorted by path.
func (b *Builder) ManifestChecksum(ctx context.Context, nodeID string) (string, error) {
	info, err := b.Stat(ctx, nodeID)
	if err != nil {
		return "", err
	}
	return info.ManifestChecksum, nil
}

// Stat resolves and describes the node's current bundle without writing the
// archive. ArchiveSHA256 and Bytes are only known after streaming and stay
// empty.
func (b *Builder) Stat(ctx context.Context, nodeID string) (*Info, error) {
	res, entries, err := b.assemble(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return &Info{
		Name:             res.Name,
		Version:          res.Version,
		EntryPoint:       res.EntryPoint,
		ManifestChecksum: manifestChecksum(res.Version, entries),
	}, nil
}

// Build streams the node's bundle as a ZIP archive to w and returns the
// bundle info including both checksums. The archive bytes are hashed while
// streaming; nothing is buffered whole.
func (b *Builder) Build(ctx context.Context, nodeID string, w io.Writer) (*Info, error) {
	res, entries, err := b.assemble(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	cw := &countingHashWriter{w: w, h: sha256.New()}
	zw := zip.NewWriter(cw)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, &api.CancelledError{Op: "bundle build"}
		}
		if err := b.writeEntry(zw, e); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, api.NewTransientIOError("finalize bundle", err)
	}

	info := &Info{
		Name:             res.Name,
		Version:          res.Version,
		EntryPoint:       res.EntryPoint,
		ManifestChecksum: manifestChecksum(res.Version, entries),
		ArchiveSHA256:    hex.EncodeToString(cw.h.Sum(nil)),
		Bytes:            cw.n,
	}
	logging.Debug("Bundle", "Built bundle for node %s: %s@%s, %d entries, %d bytes", nodeID, res.Name, res.Version, len(entries), info.Bytes)
	return info, nil
}

// assemble resolves the node's assignment in one metadata snapshot, then
// merges parameters and generates the orchestrator. Returned entries are
// sorted by path.
func (b *Builder) assemble(ctx context.Context, nodeID string) (*Resolution, []entry, error) {
	var res *Resolution
	err := b.store.View(func(tx store.ReadTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		var err error
		res, err = Resolve(tx, node)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	byPath := map[string]entry{}
	for _, item := range res.Items {
		for _, f := range item.Version.Files {
			p, err := store.NormalizeRelPath("path", f.Path)
			if err != nil {
				return nil, nil, api.NewIntegrityError("stored path %q of %s@%s is invalid", f.Path, item.Configuration.Name, item.Version.Version)
			}
			p = prefixed(item.Dir, p)
			byPath[p] = entry{path: p, sha256: f.SHA256, size: f.Size, blobID: f.BlobID}
		}
	}

	// Merged parameters replace any uploaded document of the same name.
	withParams := map[string]bool{}
	if res.WithParameters {
		for _, item := range res.Items {
			doc, err := b.mergedParameters(ctx, nodeID, item.Configuration.ID)
			if err != nil {
				return nil, nil, err
			}
			if doc == nil {
				continue
			}
			p := prefixed(item.Dir, ParametersFileName)
			byPath[p] = generated(p, doc)
			withParams[item.Configuration.Name] = true
		}
	}

	if res.Composite {
		doc, err := orchestratorDocument(res, withParams)
		if err != nil {
			return nil, nil, err
		}
		byPath[res.EntryPoint] = generated(res.EntryPoint, doc)
	}

	entries := make([]entry, 0, len(byPath))
	for _, e := range byPath {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return res, entries, nil
}

func (b *Builder) mergedParameters(ctx context.Context, nodeID, configurationID string) ([]byte, error) {
	outcome, err := b.params.MergeForNode(ctx, nodeID, configurationID)
	if err != nil {
		return nil, err
	}
	return outcome.YAML()
}

// writeEntry adds one entry to the archive. Stored content is streamed from
// the blob store and its digest re-verified on the way through.
func (b *Builder) writeEntry(zw *zip.Writer, e entry) error {
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     e.path,
		Method:   zip.Deflate,
		Modified: zipEpoch,
	})
	if err != nil {
		return api.NewTransientIOError("write bundle entry", err)
	}
	if e.blobID == "" {
		if _, err := fw.Write(e.content); err != nil {
			return api.NewTransientIOError("write bundle entry", err)
		}
		return nil
	}

	rc, err := b.store.Blobs().Open(e.blobID)
	if err != nil {
		return api.NewIntegrityError("content for %q is missing from the store", e.path)
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(fw, h), rc); err != nil {
		return api.NewTransientIOError("stream bundle entry", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != e.sha256 {
		return api.NewIntegrityError("content for %q does not match its recorded digest", e.path)
	}
	return nil
}

// orchestratorTemplate renders the root document of a composite bundle. The
// rendered YAML lists the children in their declared order with the resolved
// version, the child's entry point and, when present, its parameters
// document.
var orchestratorTemplate = template.Must(template.New("orchestrator").
	Funcs(sprig.TxtFuncMap()).
	Parse(`composite: {{ .Composite | quote }}
version: {{ .Version | quote }}
resources:
{{- range .Resources }}
  - name: {{ .Name | quote }}
    version: {{ .Version | quote }}
    entryPoint: {{ .EntryPoint | quote }}
{{- if .Parameters }}
    parameters: {{ .Parameters | quote }}
{{- end }}
{{- end }}
`))

func orchestratorDocument(res *Resolution, withParams map[string]bool) ([]byte, error) {
	type child struct {
		Name       string
		Version    string
		EntryPoint string
		Parameters string
	}
	doc := struct {
		Composite string
		Version   string
		Resources []child
	}{Composite: res.Name, Version: res.Version}

	for _, item := range res.Items {
		c := child{
			Name:       item.Configuration.Name,
			Version:    item.Version.Version,
			EntryPoint: prefixed(item.Dir, item.Configuration.EntryPoint),
		}
		if withParams[item.Configuration.Name] {
			c.Parameters = prefixed(item.Dir, ParametersFileName)
		}
		doc.Resources = append(doc.Resources, c)
	}
	var out bytes.Buffer
	if err := orchestratorTemplate.Execute(&out, doc); err != nil {
		return nil, fmt.Errorf("rendering orchestrator: %w", err)
	}
	return out.Bytes(), nil
}

func generated(path string, content []byte) entry {
	sum := sha256.Sum256(content)
	return entry{
		path:    path,
		sha256:  hex.EncodeToString(sum[:]),
		size:    int64(len(content)),
		content: content,
	}
}

func prefixed(dir, p string) string {
	if dir == "" {
		return p
	}
	return dir + "/" + p
}

// manifestChecksum hashes the resolved version plus one line per entry. The
// hash changes whenever any served byte would, including orchestrator and
// merged parameters, so nodes can detect change without downloading.
func manifestChecksum(version string, entries []entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", version)
	for _, e := range entries {
		fmt.Fprintf(h, "%s:%s\n", e.path, e.sha256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// countingHashWriter tees writes into a hash and counts bytes.
type countingHashWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (cw *countingHashWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.h.Write(p[:n])
	cw.n += int64(n)
	return n, err
}
