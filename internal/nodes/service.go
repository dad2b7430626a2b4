// Package nodes manages node identity and everything served to nodes: mTLS
// registration and certificate rotation, scope tags, configuration
// assignment, bundle and checksum delivery, compliance reports and the
// registration keys that authorize enrollment.
package nodes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/bundle"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

const (
	// lastSeenInterval throttles LastSeen writes so a chatty node does not
	// turn every request into a store write.
	lastSeenInterval = time.Minute

	defaultKeyTTLDays = 30
	tokenPrefix       = "reg_"
)

// Service implements node lifecycle and delivery.
type Service struct {
	store   store.Store
	builder *bundle.Builder

	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

// NewService returns a node service reading from st and serving bundles
// built by b.
func NewService(st store.Store, b *bundle.Builder) *Service {
	return &Service{
		store:     st,
		builder:   b,
		lastTouch: map[string]time.Time{},
	}
}

// Register enrolls a node presenting a valid registration key. The key's
// use count is incremented in the same transaction that persists the node,
// so a key can never be spent past its max-uses. Re-registering an existing
// FQDN replaces the node's credential and keeps its identity, tags and
// assignment.
func (s *Service) Register(ctx context.Context, req api.RegisterNodeRequest) (*store.Node, error) {
	if req.FQDN == "" {
		return nil, api.NewFieldValidationError("fqdn", "must not be empty")
	}
	if req.RegistrationKey == "" {
		return nil, api.NewFieldValidationError("registrationKey", "must not be empty")
	}
	if req.CertFingerprint == "" {
		return nil, api.NewFieldValidationError("certFingerprint", "client certificate is required")
	}

	now := time.Now().UTC()
	var registered *store.Node
	err := s.store.Update(func(tx store.WriteTx) error {
		key := tx.RegistrationKeyByTokenHash(hashToken(req.RegistrationKey))
		if key == nil || !key.Usable(now) {
			return api.NewUnauthorizedError("registration key is invalid, expired or exhausted")
		}

		if other := tx.NodeByFingerprint(req.CertFingerprint); other != nil && other.FQDN != req.FQDN {
			return api.NewConflictError("certificate fingerprint is already registered to node %s", other.FQDN)
		}

		var node *store.Node
		if existing := tx.NodeByFQDN(req.FQDN); existing != nil {
			node = existing.Clone()
		} else {
			node = &store.Node{
				ID:           uuid.New().String(),
				FQDN:         req.FQDN,
				RegisteredAt: now,
			}
		}
		node.CertFingerprint = req.CertFingerprint
		node.CertSubject = req.CertSubject
		node.CertNotAfter = req.CertNotAfter
		node.LastSeen = now
		tx.SaveNode(node)

		spent := key.Clone()
		spent.UseCount++
		tx.SaveRegistrationKey(spent)

		registered = node.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Nodes", "Registered node %s (%s)", registered.FQDN, registered.ID)
	return registered, nil
}

// RotateCertificate atomically replaces the node's stored certificate
// identity. The request itself still runs on the old certificate; the old
// fingerprint stops matching on the next connection.
func (s *Service) RotateCertificate(ctx context.Context, nodeID string, update api.CertificateUpdate) error {
	if update.Fingerprint == "" {
		return api.NewFieldValidationError("fingerprint", "must not be empty")
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		if other := tx.NodeByFingerprint(update.Fingerprint); other != nil && other.ID != nodeID {
			return api.NewConflictError("certificate fingerprint is already registered to node %s", other.FQDN)
		}
		next := node.Clone()
		next.CertFingerprint = update.Fingerprint
		next.CertSubject = update.Subject
		next.CertNotAfter = update.NotAfter
		next.LastSeen = time.Now().UTC()
		tx.SaveNode(next)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info("Nodes", "Rotated certificate for node %s", nodeID)
	return nil
}

// LookupByFingerprint returns the node owning the given certificate
// fingerprint. This is the mTLS authentication primitive.
func (s *Service) LookupByFingerprint(ctx context.Context, fingerprint string) (*store.Node, error) {
	var node *store.Node
	err := s.store.View(func(tx store.ReadTx) error {
		n := tx.NodeByFingerprint(fingerprint)
		if n == nil {
			return api.NewNotFoundError("node", fingerprint)
		}
		node = n.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// TouchLastSeen records node activity, at most once per minute per node.
// Failures are logged, not surfaced; LastSeen is advisory.
func (s *Service) TouchLastSeen(ctx context.Context, nodeID string) {
	now := time.Now().UTC()
	s.touchMu.Lock()
	if last, ok := s.lastTouch[nodeID]; ok && now.Sub(last) < lastSeenInterval {
		s.touchMu.Unlock()
		return
	}
	s.lastTouch[nodeID] = now
	s.touchMu.Unlock()

	err := s.store.Update(func(tx store.WriteTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return nil
		}
		next := node.Clone()
		next.LastSeen = now
		tx.SaveNode(next)
		return nil
	})
	if err != nil {
		logging.Warn("Nodes", "Failed to update last-seen for node %s: %v", nodeID, err)
	}
}

// Get returns a node by id.
func (s *Service) Get(ctx context.Context, nodeID string) (*store.Node, error) {
	var node *store.Node
	err := s.store.View(func(tx store.ReadTx) error {
		n := tx.Node(nodeID)
		if n == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		node = n.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// List returns all nodes sorted by FQDN.
func (s *Service) List(ctx context.Context) ([]*store.Node, error) {
	var out []*store.Node
	err := s.store.View(func(tx store.ReadTx) error {
		for _, n := range tx.Nodes() {
			out = append(out, n.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQDN < out[j].FQDN })
	return out, nil
}

// Delete removes a node and its reports.
func (s *Service) Delete(ctx context.Context, nodeID string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Node(nodeID) == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		tx.DeleteReports(nodeID)
		tx.DeleteNode(nodeID)
		return nil
	})
	if err != nil {
		return err
	}
	s.touchMu.Lock()
	delete(s.lastTouch, nodeID)
	s.touchMu.Unlock()
	logging.Info("Nodes", "Deleted node %s", nodeID)
	return nil
}

// Tag ties the node to a scope value, replacing any existing tag for the
// same scope type. System scope types are implicit and cannot be tagged;
// value-carrying types require a registered value, valueless types an empty
// one.
func (s *Service) Tag(ctx context.Context, nodeID, scopeTypeID, scopeValue string) error {
	return s.store.Update(func(tx store.WriteTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		st := tx.ScopeType(scopeTypeID)
		if st == nil {
			return api.NewNotFoundError("scope type", scopeTypeID)
		}
		if st.IsSystem {
			return api.NewValidationError("scope type %q is implicit and cannot be tagged", st.Name)
		}
		if st.AllowsValues {
			if scopeValue == "" {
				return api.NewFieldValidationError("scopeValue", "scope type %q requires a value", st.Name)
			}
			if !st.HasValue(scopeValue) {
				return api.NewNotFoundError("scope value", scopeValue)
			}
		} else if scopeValue != "" {
			return api.NewFieldValidationError("scopeValue", "scope type %q does not take values", st.Name)
		}

		next := node.Clone()
		replaced := false
		for _, tag := range next.Tags {
			if tag.ScopeTypeID == scopeTypeID {
				tag.ScopeValue = scopeValue
				replaced = true
				break
			}
		}
		if !replaced {
			next.Tags = append(next.Tags, &store.NodeTag{ScopeTypeID: scopeTypeID, ScopeValue: scopeValue})
		}
		tx.SaveNode(next)
		return nil
	})
}

// Untag removes the node's tag for the given scope type and value.
func (s *Service) Untag(ctx context.Context, nodeID, scopeTypeID, scopeValue string) error {
	return s.store.Update(func(tx store.WriteTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		next := node.Clone()
		kept := next.Tags[:0]
		found := false
		for _, tag := range next.Tags {
			if tag.ScopeTypeID == scopeTypeID && tag.ScopeValue == scopeValue {
				found = true
				continue
			}
			kept = append(kept, tag)
		}
		if !found {
			return api.NewNotFoundError("node tag", scopeTypeID)
		}
		next.Tags = kept
		tx.SaveNode(next)
		return nil
	})
}

// Assign sets or clears the node's configuration assignment. Exactly one of
// configuration and composite may be named; both empty clears. Pinning a
// draft is rejected because drafts are never served.
func (s *Service) Assign(ctx context.Context, nodeID string, assignment api.NodeConfigurationInfo) error {
	if assignment.Configuration != "" && assignment.Composite != "" {
		return api.NewValidationError("assignment names both a configuration and a composite")
	}
	return s.store.Update(func(tx store.WriteTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		next := node.Clone()

		if assignment.Configuration == "" && assignment.Composite == "" {
			next.Assignment = nil
			tx.SaveNode(next)
			return nil
		}

		if assignment.Configuration != "" {
			cfg := tx.Configuration(assignment.Configuration)
			if cfg == nil {
				return api.NewNotFoundError("configuration", assignment.Configuration)
			}
			if assignment.PinnedVersion != "" {
				v := cfg.Version(assignment.PinnedVersion)
				if v == nil {
					return api.NewNotFoundError("version", assignment.Configuration+"@"+assignment.PinnedVersion)
				}
				if v.IsDraft {
					return api.NewValidationError("version %s of %q is a draft and cannot be pinned", assignment.PinnedVersion, assignment.Configuration)
				}
			}
		} else {
			comp := tx.Composite(assignment.Composite)
			if comp == nil {
				return api.NewNotFoundError("composite", assignment.Composite)
			}
			if assignment.PinnedVersion != "" {
				v := comp.Version(assignment.PinnedVersion)
				if v == nil {
					return api.NewNotFoundError("version", assignment.Composite+"@"+assignment.PinnedVersion)
				}
				if v.IsDraft {
					return api.NewValidationError("version %s of %q is a draft and cannot be pinned", assignment.PinnedVersion, assignment.Composite)
				}
			}
		}

		next.Assignment = &store.NodeAssignment{
			Configuration:              assignment.Configuration,
			Composite:                  assignment.Composite,
			PinnedVersion:              assignment.PinnedVersion,
			UseServerManagedParameters: assignment.UseServerManagedParameters,
		}
		tx.SaveNode(next)
		return nil
	})
}

// ConfigurationChecksum returns the manifest checksum for the node's
// current bundle, the cheap change signal nodes poll.
func (s *Service) ConfigurationChecksum(ctx context.Context, nodeID string) (string, error) {
	return s.builder.ManifestChecksum(ctx, nodeID)
}

// BundleStat describes the node's current bundle without building it:
// resolved name, version, entry point and the manifest checksum.
func (s *Service) BundleStat(ctx context.Context, nodeID string) (*bundle.Info, error) {
	return s.builder.Stat(ctx, nodeID)
}

// StreamBundle writes the node's bundle to w and returns its checksums.
func (s *Service) StreamBundle(ctx context.Context, nodeID string, w io.Writer) (*bundle.Info, error) {
	return s.builder.Build(ctx, nodeID, w)
}

// SubmitReport appends a compliance report for the node.
func (s *Service) SubmitReport(ctx context.Context, nodeID string, submission api.ReportSubmission) (*store.Report, error) {
	if submission.Operation == "" {
		return nil, api.NewFieldValidationError("operation", "must not be empty")
	}
	report := &store.Report{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Operation: submission.Operation,
		Timestamp: time.Now().UTC(),
		ExitCode:  submission.ExitCode,
		Raw:       submission.Raw,
	}
	for _, r := range submission.Resources {
		report.Resources = append(report.Resources, store.ReportResource{
			Type:           r.Type,
			Name:           r.Name,
			InDesiredState: r.InDesiredState,
		})
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		if tx.Node(nodeID) == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		tx.AppendReport(report)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Debug("Nodes", "Stored %s report for node %s (exit %d)", report.Operation, nodeID, report.ExitCode)
	return report, nil
}

// Reports returns the node's reports newest first, at most limit (0 means
// all).
func (s *Service) Reports(ctx context.Context, nodeID string, limit int) ([]*store.Report, error) {
	var out []*store.Report
	err := s.store.View(func(tx store.ReadTx) error {
		if tx.Node(nodeID) == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		out = tx.Reports(nodeID, limit)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IssueKey creates a registration key and returns it together with the
// one-time token. Only the token's hash is stored.
func (s *Service) IssueKey(ctx context.Context, createdBy string, ttlDays int, maxUses *int) (*store.RegistrationKey, string, error) {
	if ttlDays < 0 {
		return nil, "", api.NewFieldValidationError("ttlDays", "must not be negative")
	}
	if ttlDays == 0 {
		ttlDays = defaultKeyTTLDays
	}
	if maxUses != nil && *maxUses < 1 {
		return nil, "", api.NewFieldValidationError("maxUses", "must be at least 1")
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	key := &store.RegistrationKey{
		ID:        uuid.New().String(),
		TokenHash: hashToken(token),
		CreatedBy: createdBy,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, 0, ttlDays),
		MaxUses:   maxUses,
	}
	err = s.store.Update(func(tx store.WriteTx) error {
		tx.SaveRegistrationKey(key)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	logging.Info("Nodes", "Issued registration key %s (expires %s)", key.ID, key.ExpiresAt.Format(time.RFC3339))
	return key.Clone(), token, nil
}

// ListKeys returns all registration keys, newest first.
func (s *Service) ListKeys(ctx context.Context) ([]*store.RegistrationKey, error) {
	var out []*store.RegistrationKey
	err := s.store.View(func(tx store.ReadTx) error {
		for _, k := range tx.RegistrationKeys() {
			out = append(out, k.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RevokeKey marks a registration key unusable. Revoking twice is a no-op.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		key := tx.RegistrationKey(id)
		if key == nil {
			return api.NewNotFoundError("registration key", id)
		}
		if key.RevokedAt != nil {
			return nil
		}
		next := key.Clone()
		now := time.Now().UTC()
		next.RevokedAt = &now
		tx.SaveRegistrationKey(next)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info("Nodes", "Revoked registration key %s", id)
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", api.NewTransientIOError("generate registration key", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
