package retention

import (
	"context"

	"github.com/opendsc/opendsc/internal/api"
)

// Adapter exposes the retention service through the api handler registry.
type Adapter struct {
	service *Service
}

// NewAdapter creates a new adapter around the given service.
func NewAdapter(service *Service) *Adapter {
	return &Adapter{service: service}
}

// Register registers the adapter as the retention manager.
func (a *Adapter) Register() {
	api.RegisterRetentionManager(a)
}

func (a *Adapter) CleanupConfigurations(ctx context.Context, req api.RetentionRequest) (*api.RetentionReport, error) {
	return a.service.CleanupConfigurations(ctx, req)
}

func (a *Adapter) CleanupParameters(ctx context.Context, req api.RetentionRequest) (*api.RetentionReport, error) {
	return a.service.CleanupParameters(ctx, req)
}
