package bundle

import (
	"errors"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/internal/versioning"
)

// Resolution pins down everything a node's bundle will contain, captured
// from a single read snapshot. Items hold shared store snapshots and must
// not be mutated.
type Resolution struct {
	NodeID         string
	Name           string
	Version        string
	EntryPoint     string
	Composite      bool
	Items          []ResolvedItem
	WithParameters bool
}

// ResolvedItem is one configuration contributing files to the bundle. Dir is
// the subdirectory its files land in, empty for a plain configuration.
type ResolvedItem struct {
	Configuration *store.Configuration
	Version       *store.ConfigurationVersion
	Dir           string
}

// Resolve maps a node's assignment to the concrete versions a bundle build
// will serve. Pinned versions win over lifecycle state except drafts, which
// are never served; unpinned references resolve to the latest published
// version at this snapshot.
func Resolve(tx store.ReadTx, node *store.Node) (*Resolution, error) {
	a := node.Assignment
	if a == nil || (a.Configuration == "" && a.Composite == "") {
		return nil, api.NewValidationError("node %s has no configuration assigned", node.FQDN)
	}

	res := &Resolution{
		NodeID:         node.ID,
		WithParameters: a.UseServerManagedParameters,
	}

	if a.Configuration != "" {
		cfg := tx.Configuration(a.Configuration)
		if cfg == nil {
			return nil, api.NewNotFoundError("configuration", a.Configuration)
		}
		version, err := resolveConfigurationVersion(cfg, a.PinnedVersion)
		if err != nil {
			return nil, err
		}
		res.Name = cfg.Name
		res.Version = version.Version
		res.EntryPoint = cfg.EntryPoint
		res.Items = []ResolvedItem{{Configuration: cfg, Version: version}}
		return res, nil
	}

	comp := tx.Composite(a.Composite)
	if comp == nil {
		return nil, api.NewNotFoundError("composite", a.Composite)
	}
	version, err := resolveCompositeVersion(comp, a.PinnedVersion)
	if err != nil {
		return nil, err
	}
	res.Name = comp.Name
	res.Version = version.Version
	res.EntryPoint = comp.EntryPoint
	res.Composite = true
	for _, item := range version.Items {
		child := tx.Configuration(item.Configuration)
		if child == nil {
			return nil, api.NewIntegrityError("composite %q references missing configuration %q", comp.Name, item.Configuration)
		}
		cv, err := resolveConfigurationVersion(child, item.PinnedVersion)
		if err != nil {
			return nil, err
		}
		res.Items = append(res.Items, ResolvedItem{Configuration: child, Version: cv, Dir: child.Name})
	}
	return res, nil
}

func resolveConfigurationVersion(cfg *store.Configuration, pinned string) (*store.ConfigurationVersion, error) {
	if pinned != "" {
		v := cfg.Version(pinned)
		if v == nil {
			return nil, api.NewNotFoundError("version", cfg.Name+"@"+pinned)
		}
		if v.IsDraft {
			return nil, api.NewValidationError("version %s of %q is a draft and cannot be served", pinned, cfg.Name)
		}
		return v, nil
	}
	latest, err := versioning.LatestString(cfg.PublishedVersions(), false)
	if err != nil {
		if errors.Is(err, versioning.ErrNoVersion) {
			return nil, api.NewValidationError("configuration %q has no published version", cfg.Name)
		}
		return nil, err
	}
	return cfg.Version(latest), nil
}

func resolveCompositeVersion(comp *store.Composite, pinned string) (*store.CompositeVersion, error) {
	if pinned != "" {
		v := comp.Version(pinned)
		if v == nil {
			return nil, api.NewNotFoundError("version", comp.Name+"@"+pinned)
		}
		if v.IsDraft {
			return nil, api.NewValidationError("version %s of %q is a draft and cannot be served", pinned, comp.Name)
		}
		return v, nil
	}
	latest, err := versioning.LatestString(comp.PublishedVersions(), false)
	if err != nil {
		if errors.Is(err, versioning.ErrNoVersion) {
			return nil, api.NewValidationError("composite %q has no published version", comp.Name)
		}
		return nil, err
	}
	return comp.Version(latest), nil
}
