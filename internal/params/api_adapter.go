package params

import (
	"context"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

// Adapter exposes the parameter service through the api handler contract.
type Adapter struct {
	service *Service
}

// NewAdapter creates an adapter for the given service.
func NewAdapter(s *Service) *Adapter {
	return &Adapter{service: s}
}

// Register installs the adapter as the central parameter manager handler.
func (a *Adapter) Register() {
	api.RegisterParameterManager(a)
}

func (a *Adapter) UploadParameters(ctx context.Context, req api.UploadParameterRequest) (*api.ParameterFileInfo, error) {
	file, err := a.service.Upload(ctx, req)
	if err != nil {
		return nil, err
	}
	return parameterFileInfo(req.ConfigurationID, file), nil
}

func (a *Adapter) ActivateParameters(ctx context.Context, configID, scopeTypeID, scopeValue, version string) (*api.ParameterFileInfo, error) {
	file, err := a.service.Activate(ctx, configID, scopeTypeID, scopeValue, version)
	if err != nil {
		return nil, err
	}
	return parameterFileInfo(configID, file), nil
}

func (a *Adapter) ListParameters(ctx context.Context, configID string) ([]api.ParameterFileInfo, error) {
	files, err := a.service.List(ctx, configID)
	if err != nil {
		return nil, err
	}
	out := make([]api.ParameterFileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, *parameterFileInfo(configID, f))
	}
	return out, nil
}

func (a *Adapter) DeleteParameters(ctx context.Context, configID, scopeTypeID, scopeValue, version string) error {
	return a.service.Delete(ctx, configID, scopeTypeID, scopeValue, version)
}

func (a *Adapter) GetSchema(ctx context.Context, hash string) ([]byte, error) {
	return a.service.SchemaJSON(ctx, hash)
}

func (a *Adapter) ScopeMergePreview(ctx context.Context, configID, scopeTypeID, scopeValue string) (*api.MergeDiagnostics, error) {
	outcome, err := a.service.Preview(ctx, configID, scopeTypeID, scopeValue)
	if err != nil {
		return nil, err
	}
	return diagnostics(outcome)
}

func (a *Adapter) NodeEffectiveParameters(ctx context.Context, nodeID, configuration string) (*api.MergeDiagnostics, error) {
	configID, err := a.service.ResolveNodeConfiguration(ctx, nodeID, configuration)
	if err != nil {
		return nil, err
	}
	outcome, err := a.service.MergeForNode(ctx, nodeID, configID)
	if err != nil {
		return nil, err
	}
	return diagnostics(outcome)
}

func parameterFileInfo(configID string, f *store.ParameterFile) *api.ParameterFileInfo {
	state := api.ParameterStateDraft
	switch {
	case f.IsActive:
		state = api.ParameterStateActive
	case f.IsArchived:
		state = api.ParameterStateArchived
	}
	return &api.ParameterFileInfo{
		ID:              f.ID,
		ConfigurationID: configID,
		ScopeTypeID:     f.ScopeTypeID,
		ScopeValue:      f.ScopeValue,
		Version:         f.Version,
		ContentType:     f.ContentType,
		Checksum:        f.Checksum,
		SchemaHash:      f.SchemaHash,
		State:           state,
		CreatedAt:       f.CreatedAt,
	}
}

func diagnostics(o *Outcome) (*api.MergeDiagnostics, error) {
	d := &api.MergeDiagnostics{
		Merged:     map[string]interface{}{},
		Sources:    o.Sources,
		Provenance: []api.ProvenanceEntry{},
	}
	if o.Result == nil {
		return d, nil
	}
	d.Merged = o.Result.Merged
	data, err := o.Result.YAML()
	if err != nil {
		return nil, err
	}
	d.MergedYAML = string(data)
	for _, e := range o.Result.Entries() {
		overrides := make([]api.ProvenanceOverride, 0, len(e.OverriddenBy))
		for _, ov := range e.OverriddenBy {
			overrides = append(overrides, api.ProvenanceOverride{
				Source: ov.Source,
				Value:  ov.Value,
				Path:   ov.Path,
			})
		}
		d.Provenance = append(d.Provenance, api.ProvenanceEntry{
			Path:         e.Path,
			Source:       e.Source,
			Value:        e.Value,
			OverriddenBy: overrides,
		})
	}
	return d, nil
}
