package configs

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/internal/versioning"
	"github.com/opendsc/opendsc/pkg/logging"
)

// CreateComposite adds a composite configuration with its initial version.
func (s *Service) CreateComposite(ctx context.Context, req api.CreateCompositeRequest) (*store.Composite, error) {
	if err := store.ValidateName("name", req.Name); err != nil {
		return nil, err
	}
	entryPoint, err := store.NormalizeRelPath("entryPoint", req.EntryPoint)
	if err != nil {
		return nil, err
	}
	version, err := buildCompositeVersion(req.Version, req.IsDraft, req.Items, req.CreatedBy)
	if err != nil {
		return nil, err
	}

	comp := &store.Composite{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		EntryPoint:  entryPoint,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   req.CreatedBy,
		Versions:    []*store.CompositeVersion{version},
	}
	err = s.store.Update(func(tx store.WriteTx) error {
		if tx.Composite(req.Name) != nil || tx.Configuration(req.Name) != nil {
			return api.NewConflictError("composite %q already exists", req.Name)
		}
		if err := validateCompositeItems(tx, version); err != nil {
			return err
		}
		if !version.IsDraft {
			if err := compositeResolvable(tx, version); err != nil {
				return err
			}
		}
		tx.SaveComposite(comp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Configs", "Created composite %s with version %s", comp.Name, version.Version)
	return comp.Clone(), nil
}

// UploadCompositeVersion adds a version to an existing composite.
func (s *Service) UploadCompositeVersion(ctx context.Context, req api.UploadCompositeVersionRequest) (*store.CompositeVersion, error) {
	version, err := buildCompositeVersion(req.Version, req.IsDraft, req.Items, req.CreatedBy)
	if err != nil {
		return nil, err
	}

	err = s.store.Update(func(tx store.WriteTx) error {
		comp := tx.Composite(req.Composite)
		if comp == nil {
			return api.NewNotFoundError("composite", req.Composite)
		}
		if comp.Version(req.Version) != nil {
			return api.NewConflictError("version %s already exists for composite %q", req.Version, comp.Name)
		}
		if err := validateCompositeItems(tx, version); err != nil {
			return err
		}
		if !version.IsDraft {
			if err := compositeResolvable(tx, version); err != nil {
				return err
			}
		}

		next := comp.Clone()
		next.Versions = append(next.Versions, version)
		tx.SaveComposite(next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Configs", "Uploaded version %s of composite %s (draft=%t)", version.Version, req.Composite, version.IsDraft)
	return cloneCompositeVersion(version), nil
}

// PublishComposite makes a draft composite version visible. Every child
// must be resolvable to a published version at publish time.
func (s *Service) PublishComposite(ctx context.Context, name, version string) (*store.CompositeVersion, error) {
	var published *store.CompositeVersion
	err := s.store.Update(func(tx store.WriteTx) error {
		comp := tx.Composite(name)
		if comp == nil {
			return api.NewNotFoundError("composite", name)
		}
		v := comp.Version(version)
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
		if err := compositeResolvable(tx, v); err != nil {
			return err
		}

		next := comp.Clone()
		nv := next.Version(version)
		nv.IsDraft = false
		tx.SaveComposite(next)
		published = nv
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Configs", "Published version %s of composite %s", version, name)
	return cloneCompositeVersion(published), nil
}

// ArchiveComposite retires a published composite version.
func (s *Service) ArchiveComposite(ctx context.Context, name, version string) (*store.CompositeVersion, error) {
	var archived *store.CompositeVersion
	err := s.store.Update(func(tx store.WriteTx) error {
		comp := tx.Composite(name)
		if comp == nil {
			return api.NewNotFoundError("composite", name)
		}
		v := comp.Version(version)
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

		next := comp.Clone()
		nv := next.Version(version)
		nv.IsArchived = true
		tx.SaveComposite(next)
		archived = nv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneCompositeVersion(archived), nil
}

// DeleteCompositeVersion removes a composite version. Versions assigned to
// a node are protected.
func (s *Service) DeleteCompositeVersion(ctx context.Context, name, version string) error {
	return s.store.Update(func(tx store.WriteTx) error {
		comp := tx.Composite(name)
		if comp == nil {
			return api.NewNotFoundError("composite", name)
		}
		if comp.Version(version) == nil {
			return api.NewNotFoundError("version", version)
		}
		if reason, used := compositeVersionInUse(tx, comp, version); used {
			return api.NewConflictError("version %s of composite %q is in use: %s", version, name, reason)
		}

		next := comp.Clone()
		kept := next.Versions[:0]
		for _, v := range next.Versions {
			if v.Version != version {
				kept = append(kept, v)
			}
		}
		next.Versions = kept
		tx.SaveComposite(next)
		return nil
	})
}

// DeleteComposite removes a composite with all versions. Blocked while
// assigned to a node.
func (s *Service) DeleteComposite(ctx context.Context, name string) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		comp := tx.Composite(name)
		if comp == nil {
			return api.NewNotFoundError("composite", name)
		}
		for _, n := range tx.Nodes() {
			if n.Assignment != nil && n.Assignment.Composite == name {
				return api.NewConflictError("composite %q is assigned to node %s", name, n.FQDN)
			}
		}
		tx.DeleteComposite(name)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Info("Configs", "Deleted composite %s", name)
	return nil
}

// GetComposite returns a composite with all versions.
func (s *Service) GetComposite(ctx context.Context, name string) (*store.Composite, error) {
	var out *store.Composite
	err := s.store.View(func(tx store.ReadTx) error {
		comp := tx.Composite(name)
		if comp == nil {
			return api.NewNotFoundError("composite", name)
		}
		out = comp.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListComposites returns all composites sorted by name.
func (s *Service) ListComposites(ctx context.Context) ([]*store.Composite, error) {
	var out []*store.Composite
	err := s.store.View(func(tx store.ReadTx) error {
		for _, comp := range tx.Composites() {
			out = append(out, comp.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// buildCompositeVersion validates the item list and returns the version
// sorted by item order.
func buildCompositeVersion(version string, isDraft bool, items []api.CompositeItemInfo, createdBy string) (*store.CompositeVersion, error) {
	if _, err := versioning.Parse(version); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, api.NewFieldValidationError("items", "must not be empty")
	}

	v := &store.CompositeVersion{
		Version:   version,
		IsDraft:   isDraft,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	children := map[string]struct{}{}
	orders := map[int]string{}
	for _, item := range items {
		if item.Configuration == "" {
			return nil, api.NewFieldValidationError("items", "child configuration name must not be empty")
		}
		if _, dup := children[item.Configuration]; dup {
			return nil, api.NewFieldValidationError("items", "configuration %q is referenced twice", item.Configuration)
		}
		children[item.Configuration] = struct{}{}
		if prior, dup := orders[item.Order]; dup {
			return nil, api.NewFieldValidationError("items", "order %d assigned to both %q and %q", item.Order, prior, item.Configuration)
		}
		orders[item.Order] = item.Configuration
		if item.PinnedVersion != "" {
			if _, err := versioning.Parse(item.PinnedVersion); err != nil {
				return nil, err
			}
		}
		v.Items = append(v.Items, &store.CompositeItem{
			Configuration: item.Configuration,
			PinnedVersion: item.PinnedVersion,
			Order:         item.Order,
		})
	}
	sort.Slice(v.Items, func(i, j int) bool { return v.Items[i].Order < v.Items[j].Order })
	return v, nil
}

// validateCompositeItems checks that every child exists, is not itself a
// composite and that pinned versions exist.
func validateCompositeItems(tx store.ReadTx, v *store.CompositeVersion) error {
	for _, item := range v.Items {
		if tx.Composite(item.Configuration) != nil {
			return api.NewValidationError("composites cannot nest: %q is a composite", item.Configuration)
		}
		child := tx.Configuration(item.Configuration)
		if child == nil {
			return api.NewNotFoundError("configuration", item.Configuration)
		}
		if item.PinnedVersion != "" && child.Version(item.PinnedVersion) == nil {
			return api.NewNotFoundError("version", item.Configuration+"@"+item.PinnedVersion)
		}
	}
	return nil
}

// compositeResolvable checks that every child resolves to a published
// version right now, which publishing requires so bundles stay buildable.
func compositeResolvable(tx store.ReadTx, v *store.CompositeVersion) error {
	for _, item := range v.Items {
		child := tx.Configuration(item.Configuration)
		if child == nil {
			return api.NewNotFoundError("configuration", item.Configuration)
		}
		if item.PinnedVersion != "" {
			cv := child.Version(item.PinnedVersion)
			if cv == nil {
				return api.NewNotFoundError("version", item.Configuration+"@"+item.PinnedVersion)
			}
			if !cv.Published() {
				return api.NewValidationError("pinned version %s of %q is not published", item.PinnedVersion, item.Configuration)
			}
			continue
		}
		if _, err := versioning.LatestString(child.PublishedVersions(), false); err != nil {
			return api.NewValidationError("configuration %q has no published version", item.Configuration)
		}
	}
	return nil
}

func cloneCompositeVersion(v *store.CompositeVersion) *store.CompositeVersion {
	out := *v
	out.Items = make([]*store.CompositeItem, len(v.Items))
	for i, it := range v.Items {
		ci := *it
		out.Items[i] = &ci
	}
	return &out
}
