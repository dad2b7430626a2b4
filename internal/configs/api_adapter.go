package configs

import (
	"context"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

// Adapter exposes the configuration service through the api handler
// contracts for both plain and composite configurations.
type Adapter struct {
	service *Service
}

// NewAdapter creates an adapter for the given service.
func NewAdapter(s *Service) *Adapter {
	return &Adapter{service: s}
}

// Register installs the adapter as the central configuration and composite
// manager handler.
func (a *Adapter) Register() {
	api.RegisterConfigurationManager(a)
	api.RegisterCompositeManager(a)
}

func (a *Adapter) CreateConfiguration(ctx context.Context, req api.CreateConfigurationRequest) (*api.ConfigurationInfo, error) {
	cfg, err := a.service.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return configurationInfo(cfg), nil
}

func (a *Adapter) UploadVersion(ctx context.Context, req api.UploadVersionRequest) (*api.VersionInfo, error) {
	v, err := a.service.UploadVersion(ctx, req)
	if err != nil {
		return nil, err
	}
	return versionInfo(v), nil
}

func (a *Adapter) PublishVersion(ctx context.Context, name, version string) (*api.VersionInfo, error) {
	v, err := a.service.Publish(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return versionInfo(v), nil
}

func (a *Adapter) ArchiveVersion(ctx context.Context, name, version string) (*api.VersionInfo, error) {
	v, err := a.service.Archive(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return versionInfo(v), nil
}

func (a *Adapter) DeleteVersion(ctx context.Context, name, version string) error {
	return a.service.DeleteVersion(ctx, name, version)
}

func (a *Adapter) DeleteConfiguration(ctx context.Context, name string) error {
	return a.service.Delete(ctx, name)
}

func (a *Adapter) GetConfiguration(ctx context.Context, name string) (*api.ConfigurationInfo, error) {
	cfg, err := a.service.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return configurationInfo(cfg), nil
}

func (a *Adapter) ListConfigurations(ctx context.Context) ([]api.ConfigurationInfo, error) {
	cfgs, err := a.service.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.ConfigurationInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, *configurationInfo(cfg))
	}
	return out, nil
}

func (a *Adapter) GetVersionFile(ctx context.Context, name, version, path string) ([]byte, error) {
	return a.service.VersionFile(ctx, name, version, path)
}

func (a *Adapter) CreateComposite(ctx context.Context, req api.CreateCompositeRequest) (*api.CompositeInfo, error) {
	comp, err := a.service.CreateComposite(ctx, req)
	if err != nil {
		return nil, err
	}
	return compositeInfo(comp), nil
}

func (a *Adapter) UploadCompositeVersion(ctx context.Context, req api.UploadCompositeVersionRequest) (*api.CompositeVersionInfo, error) {
	v, err := a.service.UploadCompositeVersion(ctx, req)
	if err != nil {
		return nil, err
	}
	return compositeVersionInfo(v), nil
}

func (a *Adapter) PublishCompositeVersion(ctx context.Context, name, version string) (*api.CompositeVersionInfo, error) {
	v, err := a.service.PublishComposite(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return compositeVersionInfo(v), nil
}

func (a *Adapter) ArchiveCompositeVersion(ctx context.Context, name, version string) (*api.CompositeVersionInfo, error) {
	v, err := a.service.ArchiveComposite(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return compositeVersionInfo(v), nil
}

func (a *Adapter) DeleteCompositeVersion(ctx context.Context, name, version string) error {
	return a.service.DeleteCompositeVersion(ctx, name, version)
}

func (a *Adapter) DeleteComposite(ctx context.Context, name string) error {
	return a.service.DeleteComposite(ctx, name)
}

func (a *Adapter) GetComposite(ctx context.Context, name string) (*api.CompositeInfo, error) {
	comp, err := a.service.GetComposite(ctx, name)
	if err != nil {
		return nil, err
	}
	return compositeInfo(comp), nil
}

func (a *Adapter) ListComposites(ctx context.Context) ([]api.CompositeInfo, error) {
	comps, err := a.service.ListComposites(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.CompositeInfo, 0, len(comps))
	for _, comp := range comps {
		out = append(out, *compositeInfo(comp))
	}
	return out, nil
}

func configurationInfo(cfg *store.Configuration) *api.ConfigurationInfo {
	info := &api.ConfigurationInfo{
		ID:            cfg.ID,
		Name:          cfg.Name,
		Description:   cfg.Description,
		EntryPoint:    cfg.EntryPoint,
		ServerManaged: cfg.ServerManaged,
	}
	for _, v := range cfg.Versions {
		info.Versions = append(info.Versions, *versionInfo(v))
	}
	return info
}

func versionInfo(v *store.ConfigurationVersion) *api.VersionInfo {
	info := &api.VersionInfo{
		Version:    v.Version,
		IsDraft:    v.IsDraft,
		IsArchived: v.IsArchived,
		CreatedAt:  v.CreatedAt,
		CreatedBy:  v.CreatedBy,
		SchemaHash: v.SchemaHash,
	}
	for _, f := range v.Files {
		info.Files = append(info.Files, api.FileInfo{
			Path:   f.Path,
			Size:   f.Size,
			SHA256: f.SHA256,
		})
	}
	return info
}

func compositeInfo(comp *store.Composite) *api.CompositeInfo {
	info := &api.CompositeInfo{
		ID:          comp.ID,
		Name:        comp.Name,
		Description: comp.Description,
		EntryPoint:  comp.EntryPoint,
	}
	for _, v := range comp.Versions {
		info.Versions = append(info.Versions, *compositeVersionInfo(v))
	}
	return info
}

func compositeVersionInfo(v *store.CompositeVersion) *api.CompositeVersionInfo {
	info := &api.CompositeVersionInfo{
		Version:    v.Version,
		IsDraft:    v.IsDraft,
		IsArchived: v.IsArchived,
		CreatedAt:  v.CreatedAt,
		CreatedBy:  v.CreatedBy,
		Items:      []api.CompositeItemInfo{},
	}
	for _, item := range v.Items {
		info.Items = append(info.Items, api.CompositeItemInfo{
			Configuration: item.Configuration,
			PinnedVersion: item.PinnedVersion,
			Order:         item.Order,
		})
	}
	return info
}
