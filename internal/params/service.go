// Package params manages parameter documents: versioned uploads per
// (configuration, scope type, scope value) slot, draft/active/archived
// lifecycle with exclusive activation, structural schema deduplication and
// the merge service that resolves a node's effective parameters.
package params

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/merge"
	"github.com/opendsc/opendsc/internal/schema"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/internal/versioning"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Service implements parameter management over the store.
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

// NewService creates a parameter service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores a new parameter document version for one scope slot. The
// document lands as a draft unless req.Activate is set. The document's
// structural schema is derived, deduplicated by hash and checked against
// the slot's previous version for version-bump compliance.
func (s *Service) Upload(ctx context.Context, req api.UploadParameterRequest) (*store.ParameterFile, error) {
	if len(req.Content) == 0 {
		return nil, api.NewFieldValidationError("content", "must not be empty")
	}
	if _, err := versioning.Parse(req.Version); err != nil {
		return nil, err
	}
	doc, err := merge.Decode("upload", req.ContentType, req.Content)
	if err != nil {
		return nil, api.NewValidationError("parameter document is invalid: %v", err)
	}

	derived := schema.Derive(doc)
	schemaJSON, err := derived.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	schemaHash, err := derived.Hash()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(req.Content)
	file := &store.ParameterFile{
		ID:          uuid.New().String(),
		ScopeTypeID: req.ScopeTypeID,
		ScopeValue:  req.ScopeValue,
		Version:     req.Version,
		ContentType: req.ContentType,
		BlobID:      uuid.New().String(),
		Checksum:    hex.EncodeToString(sum[:]),
		SchemaHash:  schemaHash,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   req.CreatedBy,
	}

	// Content bytes go to the blob store before the metadata transaction so
	// no lock is held across file I/O. A failed transaction leaves an
	// orphan blob which is cleaned up below.
	if _, err := s.store.Blobs().Put(file.BlobID, bytes.NewReader(req.Content)); err != nil {
		return nil, api.NewTransientIOError("storing parameter content", err)
	}

	err = s.store.Update(func(tx store.WriteTx) error {
		cfg := tx.ConfigurationByID(req.ConfigurationID)
		if cfg == nil {
			return api.NewNotFoundError("configuration", req.ConfigurationID)
		}
		if err := validateScopeSlot(tx, req.ScopeTypeID, req.ScopeValue); err != nil {
			return err
		}

		set := tx.ParameterSet(req.ConfigurationID)
		if set == nil {
			set = &store.ParameterSet{ConfigurationID: req.ConfigurationID}
		} else {
			set = set.Clone()
		}
		if set.Find(req.ScopeTypeID, req.ScopeValue, req.Version) != nil {
			return api.NewConflictError("parameter version %s already exists for this scope", req.Version)
		}

		if err := s.checkCompliance(tx, set, file, derived); err != nil {
			return err
		}

		if tx.Schema(schemaHash) == nil {
			tx.SaveSchema(&store.SchemaRecord{
				Hash:      schemaHash,
				Schema:    string(schemaJSON),
				CreatedAt: time.Now().UTC(),
			})
		}

		if req.Activate {
			if prior := set.Active(req.ScopeTypeID, req.ScopeValue); prior != nil {
				prior.IsActive = false
				prior.IsArchived = true
			}
			file.IsActive = true
		}
		set.Files = append(set.Files, file)
		tx.SaveParameterSet(set)

		if !cfg.ServerManaged {
			promoted := cfg.Clone()
			promoted.ServerManaged = true
			tx.SaveConfiguration(promoted)
		}
		return nil
	})
	if err != nil {
		_ = s.store.Blobs().Delete(file.BlobID)
		return nil, err
	}

	logging.Info("Params", "Uploaded parameters %s for configuration %s (active=%t)", req.Version, req.ConfigurationID, req.Activate)
	return file.Clone(), nil
}

// Activate makes the named version the single active document of its scope
// slot, archiving the previously active one in the same transaction.
// Activating the already-active version is a no-op.
func (s *Service) Activate(ctx context.Context, configID, scopeTypeID, scopeValue, version string) (*store.ParameterFile, error) {
	var activated *store.ParameterFile
	err := s.store.Update(func(tx store.WriteTx) error {
		set := tx.ParameterSet(configID)
		if set == nil {
			return api.NewNotFoundError("parameter version", version)
		}
		existing := set.Find(scopeTypeID, scopeValue, version)
		if existing == nil {
			return api.NewNotFoundError("parameter version", version)
		}
		if existing.IsArchived {
			return api.NewArchivedError("parameter version " + version)
		}
		if existing.IsActive {
			activated = existing
			return nil
		}

		next := set.Clone()
		if prior := next.Active(scopeTypeID, scopeValue); prior != nil {
			prior.IsActive = false
			prior.IsArchived = true
		}
		target := next.Find(scopeTypeID, scopeValue, version)
		target.IsActive = true
		tx.SaveParameterSet(next)
		activated = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Params", "Activated parameters %s for configuration %s", version, configID)
	return activated.Clone(), nil
}

// List returns all parameter files of a configuration, ordered by scope
// type precedence, scope value and version.
func (s *Service) List(ctx context.Context, configID string) ([]*store.ParameterFile, error) {
	var out []*store.ParameterFile
	err := s.store.View(func(tx store.ReadTx) error {
		if tx.ConfigurationByID(configID) == nil {
			return api.NewNotFoundError("configuration", configID)
		}
		set := tx.ParameterSet(configID)
		if set == nil {
			return nil
		}
		precedence := map[string]int{}
		for _, st := range tx.ScopeTypes() {
			precedence[st.ID] = st.Precedence
		}
		for _, f := range set.Files {
			out = append(out, f.Clone())
		}
		sort.Slice(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if pa, pb := precedence[a.ScopeTypeID], precedence[b.ScopeTypeID]; pa != pb {
				return pa < pb
			}
			if a.ScopeValue != b.ScopeValue {
				return a.ScopeValue < b.ScopeValue
			}
			va, errA := versioning.Parse(a.Version)
			vb, errB := versioning.Parse(b.Version)
			if errA != nil || errB != nil {
				return a.Version < b.Version
			}
			return va.LT(vb)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a parameter version and its content. The active version
// of a slot cannot be deleted; archive it by activating a successor first.
// Schema records left without any referent are collected.
func (s *Service) Delete(ctx context.Context, configID, scopeTypeID, scopeValue, version string) error {
	var blobID string
	err := s.store.Update(func(tx store.WriteTx) error {
		set := tx.ParameterSet(configID)
		if set == nil {
			return api.NewNotFoundError("parameter version", version)
		}
		existing := set.Find(scopeTypeID, scopeValue, version)
		if existing == nil {
			return api.NewNotFoundError("parameter version", version)
		}
		if existing.IsActive {
			return api.NewConflictError("parameter version %s is active and cannot be deleted", version)
		}
		blobID = existing.BlobID
		schemaHash := existing.SchemaHash

		next := set.Clone()
		kept := next.Files[:0]
		for _, f := range next.Files {
			if f.ID != existing.ID {
				kept = append(kept, f)
			}
		}
		next.Files = kept
		if len(next.Files) == 0 {
			tx.DeleteParameterSet(configID)
		} else {
			tx.SaveParameterSet(next)
		}

		if !SchemaInUse(tx, schemaHash) {
			tx.DeleteSchema(schemaHash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if blobID != "" {
		if err := s.store.Blobs().Delete(blobID); err != nil {
			logging.Warn("Params", "Could not delete parameter content %s: %v", blobID, err)
		}
	}
	return nil
}

// SchemaJSON returns the canonical JSON of a stored schema by hash.
func (s *Service) SchemaJSON(ctx context.Context, hash string) ([]byte, error) {
	var out []byte
	err := s.store.View(func(tx store.ReadTx) error {
		rec := tx.Schema(hash)
		if rec == nil {
			return api.NewNotFoundError("schema", hash)
		}
		out = []byte(rec.Schema)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureSchema deduplicates the schema of doc inside tx and returns its
// hash. Used by configuration uploads that carry a parameters document.
func EnsureSchema(tx store.WriteTx, doc map[string]interface{}) (string, error) {
	derived := schema.Derive(doc)
	canonical, err := derived.CanonicalJSON()
	if err != nil {
		return "", err
	}
	hash, err := derived.Hash()
	if err != nil {
		return "", err
	}
	if tx.Schema(hash) == nil {
		tx.SaveSchema(&store.SchemaRecord{
			Hash:      hash,
			Schema:    string(canonical),
			CreatedAt: time.Now().UTC(),
		})
	}
	return hash, nil
}

// checkCompliance compares the new file's schema against the slot's latest
// existing version. Violations fail the upload only when enforcement is
// on; otherwise they are logged. Backports (new version not above the
// latest) are never checked.
func (s *Service) checkCompliance(tx store.ReadTx, set *store.ParameterSet, file *store.ParameterFile, newSchema schema.Schema) error {
	var prev *store.ParameterFile
	for _, f := range set.Files {
		if f.ScopeTypeID != file.ScopeTypeID || f.ScopeValue != file.ScopeValue {
			continue
		}
		if prev == nil {
			prev = f
			continue
		}
		pv, err := versioning.Parse(prev.Version)
		if err != nil {
			continue
		}
		fv, err := versioning.Parse(f.Version)
		if err != nil {
			continue
		}
		if fv.GT(pv) {
			prev = f
		}
	}
	if prev == nil {
		return nil
	}

	prevRec := tx.Schema(prev.SchemaHash)
	if prevRec == nil {
		logging.Warn("Params", "Schema %s of parameter version %s is missing; skipping compliance check", prev.SchemaHash, prev.Version)
		return nil
	}
	prevSchema, err := schema.ParseJSON([]byte(prevRec.Schema))
	if err != nil {
		return api.NewIntegrityError("stored schema %s is invalid: %v", prev.SchemaHash, err)
	}

	prevV, err := versioning.Parse(prev.Version)
	if err != nil {
		return nil
	}
	nextV, err := versioning.Parse(file.Version)
	if err != nil {
		return nil
	}
	diff := schema.Compare(prevSchema, newSchema)
	if err := versioning.CheckCompliance(prevV, nextV, diff); err != nil {
		if s.enforceSemVer {
			return err
		}
		logging.Warn("Params", "Version bump compliance violation for %s: %v", file.Version, err)
	}
	return nil
}

// SchemaInUse reports whether any parameter file or configuration version
// links to hash. Callers remove their own referent from the transaction
// first, then collect the schema when this returns false.
func SchemaInUse(tx store.ReadTx, hash string) bool {
	for _, set := range tx.ParameterSets() {
		for _, f := range set.Files {
			if f.SchemaHash == hash {
				return true
			}
		}
	}
	for _, cfg := range tx.Configurations() {
		for _, v := range cfg.Versions {
			if v.SchemaHash == hash {
				return true
			}
		}
	}
	return false
}

// validateScopeSlot checks the (scope type, scope value) pair: Default
// takes no value, Node values are node FQDNs, custom typed values must be
// registered.
func validateScopeSlot(tx store.ReadTx, scopeTypeID, scopeValue string) error {
	st := tx.ScopeType(scopeTypeID)
	if st == nil {
		return api.NewNotFoundError("scope type", scopeTypeID)
	}
	switch {
	case st.Name == store.ScopeTypeDefault:
		if scopeValue != "" {
			return api.NewFieldValidationError("scopeValue", "%s scope does not take a value", st.Name)
		}
	case st.Name == store.ScopeTypeNode:
		if scopeValue == "" {
			return api.NewFieldValidationError("scopeValue", "%s scope requires a node FQDN", st.Name)
		}
		if tx.NodeByFQDN(scopeValue) == nil {
			return api.NewNotFoundError("node", scopeValue)
		}
	case st.AllowsValues:
		if scopeValue == "" {
			return api.NewFieldValidationError("scopeValue", "scope type %q requires a value", st.Name)
		}
		if !st.HasValue(scopeValue) {
			return api.NewNotFoundError("scope value", scopeValue)
		}
	default:
		if scopeValue != "" {
			return api.NewFieldValidationError("scopeValue", "scope type %q does not take values", st.Name)
		}
	}
	return nil
}
