// Package configs manages configurations and composite configurations:
// versioned file uploads with draft/publish/archive lifecycle, semantic
// version routing, schema extraction from bundled parameter documents and
// in-use protection for deletes.
package configs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/merge"
	"github.com/opendsc/opendsc/internal/params"
	"github.com/opendsc/opendsc/internal/schema"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/internal/versioning"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Service implements configuration and composite management over the
// store.
type Service struct {
	store         store.Store
	enforceSemVer bool
}

// Option configures a Service.
type Option func(*Service)

// WithSemVerEnforcement turns schema compliance violations on upload into
// errors instead of warnings.
func WithSemVerEnforcement(on bool) Option {
	return func(s *Service) { s.enforceSemVer = on }
}

// NewService creates a configuration service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a configuration together with its initial version.
func (s *Service) Create(ctx context.Context, req api.CreateConfigurationRequest) (*store.Configuration, error) {
	if err := store.ValidateName("name", req.Name); err != nil {
		return nil, err
	}
	entryPoint, err := store.NormalizeRelPath("entryPoint", req.EntryPoint)
	if err != nil {
		return nil, err
	}

	cfg := &store.Configuration{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Description:   req.Description,
		EntryPoint:    entryPoint,
		ServerManaged: req.ServerManaged,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     req.CreatedBy,
	}
	version, staged, err := s.stageVersion(stagedUpload{
		version:   req.Version,
		isDraft:   req.IsDraft,
		files:     req.Files,
		createdBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.Update(func(tx store.WriteTx) error {
		if tx.Configuration(req.Name) != nil || tx.Composite(req.Name) != nil {
			return api.NewConflictError("configuration %q already exists", req.Name)
		}
		if !version.IsDraft && fileByPath(version, cfg.EntryPoint) == nil {
			return api.NewValidationError("entry point %q is not among the uploaded files", cfg.EntryPoint)
		}
		if err := s.attachParameters(tx, cfg, version, staged); err != nil {
			return err
		}
		cfg.Versions = []*store.ConfigurationVersion{version}
		if version.SchemaHash != "" {
			cfg.ServerManaged = true
		}
		tx.SaveConfiguration(cfg)
		return nil
	})
	if err != nil {
		staged.discard(s.store)
		return nil, err
	}
	staged.release(s.store)
	logging.Info("Configs", "Created configuration %s with version %s", cfg.Name, version.Version)
	return cfg.Clone(), nil
}

// UploadVersion adds a version to an existing configuration.
func (s *Service) UploadVersion(ctx context.Context, req api.UploadVersionRequest) (*store.ConfigurationVersion, error) {
	version, staged, err := s.stageVersion(stagedUpload{
		version:   req.Version,
		isDraft:   req.IsDraft,
		files:     req.Files,
		createdBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.Configuration(req.Configuration)
		if cfg == nil {
			return api.NewNotFoundError("configuration", req.Configuration)
		}
		if cfg.Version(req.Version) != nil {
			return api.NewConflictError("version %s already exists for configuration %q", req.Version, cfg.Name)
		}
		if !version.IsDraft && fileByPath(version, cfg.EntryPoint) == nil {
			return api.NewValidationError("entry point %q is not among the uploaded files", cfg.EntryPoint)
		}

		next := cfg.Clone()
		if err := s.attachParameters(tx, next, version, staged); err != nil {
			return err
		}
		if err := s.checkCompliance(tx, next, version); err != nil {
			return err
		}
		next.Versions = append(next.Versions, version)
		if version.SchemaHash != "" {
			next.ServerManaged = true
		}
		tx.SaveConfiguration(next)
		return nil
	})
	if err != nil {
		staged.discard(s.store)
		return nil, err
	}
	staged.release(s.store)
	logging.Info("Configs", "Uploaded version %s of configuration %s (draft=%t)", version.Version, req.Configuration, version.IsDraft)
	return cloneVersion(version), nil
}

// Publish makes a draft version visible to latest selection and bundles.
// The entry point file must be present.
func (s *Service) Publish(ctx context.Context, name, version string) (*store.ConfigurationVersion, error) {
	var published *store.ConfigurationVersion
	err := s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		v := cfg.Version(version)
		if v == nil {
			return api.NewNotFoundError("version", version)
		}
		if v.IsArchived {
			return api.NewArchivedError("version " + version)
		}
		if !v.IsDraft {
			published = v
			return nil
		}
		if fileByPath(v, cfg.EntryPoint) == nil {
			return api.NewValidationError("entry point %q is not among the version's files", cfg.EntryPoint)
		}

		next := cfg.Clone()
		nv := next.Version(version)
		nv.IsDraft = false
		tx.SaveConfiguration(next)
		published = nv
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Configs", "Published version %s of configuration %s", version, name)
	return cloneVersion(published), nil
}

// Archive retires a published version. Archiving is idempotent; drafts
// cannot be archived.
func (s *Service) Archive(ctx context.Context, name, version string) (*store.ConfigurationVersion, error) {
	var archived *store.ConfigurationVersion
	err := s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		v := cfg.Version(version)
		if v == nil {
			return api.NewNotFoundError("version", version)
		}
		if v.IsDraft {
			return api.NewConflictError("version %s is a draft; publish or delete it instead", version)
		}
		if v.IsArchived {
			archived = v
			return nil
		}

		next := cfg.Clone()
		nv := next.Version(version)
		nv.IsArchived = true
		tx.SaveConfiguration(next)
		archived = nv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneVersion(archived), nil
}

// DeleteVersion removes a version and its content. Versions a node or
// composite depends on are protected.
func (s *Service) DeleteVersion(ctx context.Context, name, version string) error {
	var blobIDs []string
	err := s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		v := cfg.Version(version)
		if v == nil {
			return api.NewNotFoundError("version", version)
		}
		if reason, used := VersionInUse(tx, name, version); used {
			return api.NewConflictError("version %s of %q is in use: %s", version, name, reason)
		}

		next := cfg.Clone()
		kept := next.Versions[:0]
		var schemaHash string
		for _, nv := range next.Versions {
			if nv.Version == version {
				schemaHash = nv.SchemaHash
				for _, f := range nv.Files {
					blobIDs = append(blobIDs, f.BlobID)
				}
				continue
			}
			kept = append(kept, nv)
		}
		next.Versions = kept
		tx.SaveConfiguration(next)

		if schemaHash != "" && !params.SchemaInUse(tx, schemaHash) {
			tx.DeleteSchema(schemaHash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	deleteBlobs(s.store, blobIDs)
	logging.Info("Configs", "Deleted version %s of configuration %s", version, name)
	return nil
}

// Delete removes a configuration with all versions, files and parameter
// documents. Blocked while any node or composite references it.
func (s *Service) Delete(ctx context.Context, name string) error {
	var blobIDs []string
	err := s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		for _, n := range tx.Nodes() {
			if n.Assignment != nil && n.Assignment.Configuration == name {
				return api.NewConflictError("configuration %q is assigned to node %s", name, n.FQDN)
			}
		}
		for _, comp := range tx.Composites() {
			for _, v := range comp.Versions {
				for _, item := range v.Items {
					if item.Configuration == name {
						return api.NewConflictError("configuration %q is referenced by composite %q", name, comp.Name)
					}
				}
			}
		}

		schemaHashes := map[string]struct{}{}
		for _, v := range cfg.Versions {
			if v.SchemaHash != "" {
				schemaHashes[v.SchemaHash] = struct{}{}
			}
			for _, f := range v.Files {
				blobIDs = append(blobIDs, f.BlobID)
			}
		}
		if set := tx.ParameterSet(cfg.ID); set != nil {
			for _, f := range set.Files {
				blobIDs = append(blobIDs, f.BlobID)
				if f.SchemaHash != "" {
					schemaHashes[f.SchemaHash] = struct{}{}
				}
			}
			tx.DeleteParameterSet(cfg.ID)
		}
		tx.DeleteConfiguration(name)

		for hash := range schemaHashes {
			if !params.SchemaInUse(tx, hash) {
				tx.DeleteSchema(hash)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	deleteBlobs(s.store, blobIDs)
	logging.Info("Configs", "Deleted configuration %s", name)
	return nil
}

// Get returns a configuration with all versions.
func (s *Service) Get(ctx context.Context, name string) (*store.Configuration, error) {
	var out *store.Configuration
	err := s.store.View(func(tx store.ReadTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		out = cfg.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns all configurations sorted by name.
func (s *Service) List(ctx context.Context) ([]*store.Configuration, error) {
	var out []*store.Configuration
	err := s.store.View(func(tx store.ReadTx) error {
		for _, cfg := range tx.Configurations() {
			out = append(out, cfg.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VersionFile returns the content of one file of a version.
func (s *Service) VersionFile(ctx context.Context, name, version, path string) ([]byte, error) {
	normalized, err := store.NormalizeRelPath("path", path)
	if err != nil {
		return nil, err
	}
	var blobID string
	err = s.store.View(func(tx store.ReadTx) error {
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		v := cfg.Version(version)
		if v == nil {
			return api.NewNotFoundError("version", version)
		}
		f := fileByPath(v, normalized)
		if f == nil {
			return api.NewNotFoundError("file", path)
		}
		blobID = f.BlobID
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := s.store.Blobs().Bytes(blobID)
	if err != nil {
		return nil, api.NewIntegrityError("content of %s@%s:%s is missing: %v", name, version, path, err)
	}
	return data, nil
}

// stagedUpload is a version upload before validation.
type stagedUpload struct {
	version   string
	isDraft   bool
	files     []api.FileUpload
	createdBy string
}

// stagedContent tracks blob ids written ahead of the metadata transaction
// plus the decoded parameters document, if the upload carried one. The
// parameters document gets its own blob copy so the configuration file and
// the parameter record can be deleted independently.
type stagedContent struct {
	blobIDs       []string
	parameters    map[string]interface{}
	paramFile     *store.ConfigurationFile
	paramType     string
	paramBlobID   string
	paramConsumed bool
}

func (c *stagedContent) discard(st store.Store) {
	deleteBlobs(st, c.blobIDs)
}

// release frees the parameter blob copy if the transaction did not record
// it.
func (c *stagedContent) release(st store.Store) {
	if c.paramBlobID != "" && !c.paramConsumed {
		deleteBlobs(st, []string{c.paramBlobID})
	}
}

// stageVersion validates the upload and writes file contents to the blob
// store. The returned version carries per-file digests; the caller runs
// the metadata transaction and discards the staged blobs on failure.
func (s *Service) stageVersion(up stagedUpload) (*store.ConfigurationVersion, *stagedContent, error) {
	if _, err := versioning.Parse(up.version); err != nil {
		return nil, nil, err
	}
	if len(up.files) == 0 {
		return nil, nil, api.NewFieldValidationError("files", "must not be empty")
	}

	version := &store.ConfigurationVersion{
		Version:   up.version,
		IsDraft:   up.isDraft,
		CreatedAt: time.Now().UTC(),
		CreatedBy: up.createdBy,
	}
	staged := &stagedContent{}
	seen := map[string]struct{}{}
	for _, f := range up.files {
		path, err := store.NormalizeRelPath("files", f.Path)
		if err != nil {
			staged.discard(s.store)
			return nil, nil, err
		}
		if _, dup := seen[path]; dup {
			staged.discard(s.store)
			return nil, nil, api.NewFieldValidationError("files", "duplicate path %q", path)
		}
		seen[path] = struct{}{}

		sum := sha256.Sum256(f.Content)
		file := &store.ConfigurationFile{
			Path:   path,
			Size:   int64(len(f.Content)),
			SHA256: hex.EncodeToString(sum[:]),
			BlobID: uuid.New().String(),
		}
		if _, err := s.store.Blobs().Put(file.BlobID, bytes.NewReader(f.Content)); err != nil {
			staged.discard(s.store)
			return nil, nil, api.NewTransientIOError("storing file content", err)
		}
		staged.blobIDs = append(staged.blobIDs, file.BlobID)
		version.Files = append(version.Files, file)

		if contentType, ok := parameterDocument(path); ok {
			doc, err := merge.Decode(path, contentType, f.Content)
			if err != nil {
				staged.discard(s.store)
				return nil, nil, api.NewValidationError("parameter document %s is invalid: %v", path, err)
			}
			staged.parameters = doc
			staged.paramFile = file
			staged.paramType = contentType
			staged.paramBlobID = uuid.New().String()
			if _, err := s.store.Blobs().Put(staged.paramBlobID, bytes.NewReader(f.Content)); err != nil {
				staged.discard(s.store)
				return nil, nil, api.NewTransientIOError("storing parameter content", err)
			}
			staged.blobIDs = append(staged.blobIDs, staged.paramBlobID)
		}
	}
	return version, staged, nil
}

// attachParameters derives and deduplicates the schema of an uploaded
// parameters document and records the document as a Default-scope draft so
// it can be activated for server-managed merging.
func (s *Service) attachParameters(tx store.WriteTx, cfg *store.Configuration, version *store.ConfigurationVersion, staged *stagedContent) error {
	if staged.parameters == nil {
		return nil
	}
	hash, err := params.EnsureSchema(tx, staged.parameters)
	if err != nil {
		return err
	}
	version.SchemaHash = hash

	def := tx.ScopeTypeByName(store.ScopeTypeDefault)
	if def == nil {
		logging.Warn("Configs", "Default scope type is missing; parameters of %s@%s not registered", cfg.Name, version.Version)
		return nil
	}
	set := tx.ParameterSet(cfg.ID)
	if set == nil {
		set = &store.ParameterSet{ConfigurationID: cfg.ID}
	} else {
		set = set.Clone()
	}
	if set.Find(def.ID, "", version.Version) != nil {
		return nil
	}
	set.Files = append(set.Files, &store.ParameterFile{
		ID:          uuid.New().String(),
		ScopeTypeID: def.ID,
		Version:     version.Version,
		ContentType: staged.paramType,
		BlobID:      staged.paramBlobID,
		Checksum:    staged.paramFile.SHA256,
		SchemaHash:  hash,
		CreatedAt:   version.CreatedAt,
		CreatedBy:   version.CreatedBy,
	})
	staged.paramConsumed = true
	tx.SaveParameterSet(set)
	return nil
}

// checkCompliance compares the uploaded version's parameter schema against
// the latest published version that carries one. Violations fail the
// upload only when enforcement is on.
func (s *Service) checkCompliance(tx store.ReadTx, cfg *store.Configuration, version *store.ConfigurationVersion) error {
	if version.SchemaHash == "" {
		return nil
	}
	nextV, err := versioning.Parse(version.Version)
	if err != nil {
		return nil
	}

	var prev *store.ConfigurationVersion
	var prevV = nextV
	for _, v := range cfg.Versions {
		if v.SchemaHash == "" || !v.Published() {
			continue
		}
		pv, err := versioning.Parse(v.Version)
		if err != nil {
			continue
		}
		if prev == nil || pv.GT(prevV) {
			prev, prevV = v, pv
		}
	}
	if prev == nil {
		return nil
	}
	if prev.SchemaHash == version.SchemaHash {
		return nil
	}

	prevSchema, err := loadSchema(tx, prev.SchemaHash)
	if err != nil {
		return err
	}
	newSchema, err := loadSchema(tx, version.SchemaHash)
	if err != nil {
		return err
	}
	if prevSchema == nil || newSchema == nil {
		return nil
	}
	diff := schema.Compare(prevSchema, newSchema)
	if err := versioning.CheckCompliance(prevV, nextV, diff); err != nil {
		if s.enforceSemVer {
			return err
		}
		logging.Warn("Configs", "Version bump compliance violation for %s@%s: %v", cfg.Name, version.Version, err)
	}
	return nil
}

func loadSchema(tx store.ReadTx, hash string) (schema.Schema, error) {
	rec := tx.Schema(hash)
	if rec == nil {
		return nil, nil
	}
	parsed, err := schema.ParseJSON([]byte(rec.Schema))
	if err != nil {
		return nil, api.NewIntegrityError("stored schema %s is invalid: %v", hash, err)
	}
	return parsed, nil
}

// parameterDocument reports whether a root-level path is the version's
// parameters document and returns its content type.
func parameterDocument(path string) (string, bool) {
	switch path {
	case "parameters.yaml", "parameters.yml":
		return merge.ContentTypeYAML, true
	case "parameters.json":
		return merge.ContentTypeJSON, true
	}
	return "", false
}

func fileByPath(v *store.ConfigurationVersion, path string) *store.ConfigurationFile {
	for _, f := range v.Files {
		if f.Path == path {
			return f
		}
	}
	return nil
}

func cloneVersion(v *store.ConfigurationVersion) *store.ConfigurationVersion {
	out := *v
	out.Files = make([]*store.ConfigurationFile, len(v.Files))
	for i, f := range v.Files {
		cf := *f
		out.Files[i] = &cf
	}
	return &out
}

func deleteBlobs(st store.Store, ids []string) {
	for _, id := range ids {
		if err := st.Blobs().Delete(id); err != nil {
			logging.Warn("Configs", "Could not delete content %s: %v", id, err)
		}
	}
}
