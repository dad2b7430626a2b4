package scopes

import (
	"context"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

// Adapter exposes the scope service through the api handler contract.
type Adapter struct {
	service *Service
}

// NewAdapter creates an adapter for the given service.
func NewAdapter(s *Service) *Adapter {
	return &Adapter{service: s}
}

// Register installs the adapter as the central scope manager handler.
func (a *Adapter) Register() {
	api.RegisterScopeManager(a)
}

func (a *Adapter) CreateScopeType(ctx context.Context, name string, precedence int, allowsValues bool) (*api.ScopeTypeInfo, error) {
	st, err := a.service.Create(ctx, name, precedence, allowsValues)
	if err != nil {
		return nil, err
	}
	return scopeTypeInfo(st), nil
}

func (a *Adapter) UpdateScopeType(ctx context.Context, id, name string, precedence int) (*api.ScopeTypeInfo, error) {
	st, err := a.service.Update(ctx, id, name, precedence)
	if err != nil {
		return nil, err
	}
	return scopeTypeInfo(st), nil
}

func (a *Adapter) ReorderScopeTypes(ctx context.Context, precedences map[string]int) error {
	return a.service.Reorder(ctx, precedences)
}

func (a *Adapter) DeleteScopeType(ctx context.Context, id string) error {
	return a.service.Delete(ctx, id)
}

func (a *Adapter) GetScopeType(ctx context.Context, id string) (*api.ScopeTypeInfo, error) {
	st, err := a.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return scopeTypeInfo(st), nil
}

func (a *Adapter) ListScopeTypes(ctx context.Context) ([]api.ScopeTypeInfo, error) {
	types, err := a.service.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.ScopeTypeInfo, 0, len(types))
	for _, st := range types {
		out = append(out, *scopeTypeInfo(st))
	}
	return out, nil
}

func (a *Adapter) AddScopeValue(ctx context.Context, id, value string) error {
	return a.service.AddValue(ctx, id, value)
}

func (a *Adapter) DeleteScopeValue(ctx context.Context, id, value string) error {
	return a.service.DeleteValue(ctx, id, value)
}

func scopeTypeInfo(st *store.ScopeType) *api.ScopeTypeInfo {
	values := make([]string, len(st.Values))
	copy(values, st.Values)
	return &api.ScopeTypeInfo{
		ID:           st.ID,
		Name:         st.Name,
		Precedence:   st.Precedence,
		AllowsValues: st.AllowsValues,
		IsSystem:     st.IsSystem,
		Values:       values,
	}
}
