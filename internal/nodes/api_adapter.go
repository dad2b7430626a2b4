package nodes

import (
	"context"
	"io"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
)

// Adapter exposes the node service through the api handler registry.
type Adapter struct {
	service *Service
}

// NewAdapter creates a new adapter around the given service.
func NewAdapter(service *Service) *Adapter {
	return &Adapter{service: service}
}

// Register registers the adapter as the node manager.
func (a *Adapter) Register() {
	api.RegisterNodeManager(a)
}

// RegisterNode enrolls a node with a registration key.
func (a *Adapter) RegisterNode(ctx context.Context, req api.RegisterNodeRequest) (*api.NodeInfo, error) {
	node, err := a.service.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return nodeInfo(node), nil
}

func (a *Adapter) RotateCertificate(ctx context.Context, nodeID string, update api.CertificateUpdate) error {
	return a.service.RotateCertificate(ctx, nodeID, update)
}

func (a *Adapter) LookupByFingerprint(ctx context.Context, fingerprint string) (*api.NodeInfo, error) {
	node, err := a.service.LookupByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return nodeInfo(node), nil
}

func (a *Adapter) TouchLastSeen(ctx context.Context, nodeID string) {
	a.service.TouchLastSeen(ctx, nodeID)
}

func (a *Adapter) GetNode(ctx context.Context, nodeID string) (*api.NodeInfo, error) {
	node, err := a.service.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return nodeInfo(node), nil
}

func (a *Adapter) ListNodes(ctx context.Context) ([]api.NodeInfo, error) {
	nodes, err := a.service.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *nodeInfo(n))
	}
	return out, nil
}

func (a *Adapter) DeleteNode(ctx context.Context, nodeID string) error {
	return a.service.Delete(ctx, nodeID)
}

func (a *Adapter) TagNode(ctx context.Context, nodeID, scopeType, scopeValue string) error {
	return a.service.Tag(ctx, nodeID, scopeType, scopeValue)
}

func (a *Adapter) UntagNode(ctx context.Context, nodeID, scopeType, scopeValue string) error {
	return a.service.Untag(ctx, nodeID, scopeType, scopeValue)
}

func (a *Adapter) AssignConfiguration(ctx context.Context, nodeID string, assignment api.NodeConfigurationInfo) error {
	return a.service.Assign(ctx, nodeID, assignment)
}

func (a *Adapter) ConfigurationChecksum(ctx context.Context, nodeID string) (string, error) {
	return a.service.ConfigurationChecksum(ctx, nodeID)
}

func (a *Adapter) BundleStat(ctx context.Context, nodeID string) (*api.BundleInfo, error) {
	info, err := a.service.BundleStat(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return &api.BundleInfo{
		ManifestChecksum: info.ManifestChecksum,
		EntryPoint:       info.EntryPoint,
		Version:          info.Version,
	}, nil
}

func (a *Adapter) StreamBundle(ctx context.Context, nodeID string, w io.Writer) (*api.BundleInfo, error) {
	info, err := a.service.StreamBundle(ctx, nodeID, w)
	if err != nil {
		return nil, err
	}
	return &api.BundleInfo{
		ManifestChecksum: info.ManifestChecksum,
		ArchiveSHA256:    info.ArchiveSHA256,
		Bytes:            info.Bytes,
		EntryPoint:       info.EntryPoint,
		Version:          info.Version,
	}, nil
}

func (a *Adapter) SubmitReport(ctx context.Context, nodeID string, report api.ReportSubmission) (*api.ReportInfo, error) {
	stored, err := a.service.SubmitReport(ctx, nodeID, report)
	if err != nil {
		return nil, err
	}
	return reportInfo(stored), nil
}

func (a *Adapter) ListReports(ctx context.Context, nodeID string, limit int) ([]api.ReportInfo, error) {
	reports, err := a.service.Reports(ctx, nodeID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]api.ReportInfo, 0, len(reports))
	for _, r := range reports {
		out = append(out, *reportInfo(r))
	}
	return out, nil
}

func (a *Adapter) IssueRegistrationKey(ctx context.Context, createdBy string, ttlDays int, maxUses *int) (*api.RegistrationKeyInfo, error) {
	key, token, err := a.service.IssueKey(ctx, createdBy, ttlDays, maxUses)
	if err != nil {
		return nil, err
	}
	info := keyInfo(key)
	info.Token = token
	return info, nil
}

func (a *Adapter) ListRegistrationKeys(ctx context.Context) ([]api.RegistrationKeyInfo, error) {
	keys, err := a.service.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]api.RegistrationKeyInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, *keyInfo(k))
	}
	return out, nil
}

func (a *Adapter) RevokeRegistrationKey(ctx context.Context, id string) error {
	return a.service.RevokeKey(ctx, id)
}

func nodeInfo(n *store.Node) *api.NodeInfo {
	info := &api.NodeInfo{
		ID:              n.ID,
		FQDN:            n.FQDN,
		RegisteredAt:    n.RegisteredAt,
		LastSeen:        n.LastSeen,
		CertFingerprint: n.CertFingerprint,
		CertNotAfter:    n.CertNotAfter,
	}
	for _, tag := range n.Tags {
		info.Tags = append(info.Tags, api.NodeTagInfo{ScopeType: tag.ScopeTypeID, ScopeValue: tag.ScopeValue})
	}
	if n.Assignment != nil {
		info.Assignment = &api.NodeConfigurationInfo{
			Configuration:              n.Assignment.Configuration,
			Composite:                  n.Assignment.Composite,
			PinnedVersion:              n.Assignment.PinnedVersion,
			UseServerManagedParameters: n.Assignment.UseServerManagedParameters,
		}
	}
	return info
}

func reportInfo(r *store.Report) *api.ReportInfo {
	info := &api.ReportInfo{
		ID:        r.ID,
		NodeID:    r.NodeID,
		Operation: r.Operation,
		Timestamp: r.Timestamp,
		ExitCode:  r.ExitCode,
		Raw:       r.Raw,
	}
	for _, res := range r.Resources {
		info.Resources = append(info.Resources, api.ResourceResultInfo{
			Type:           res.Type,
			Name:           res.Name,
			InDesiredState: res.InDesiredState,
		})
	}
	return info
}

func keyInfo(k *store.RegistrationKey) *api.RegistrationKeyInfo {
	return &api.RegistrationKeyInfo{
		ID:        k.ID,
		CreatedBy: k.CreatedBy,
		CreatedAt: k.CreatedAt,
		ExpiresAt: k.ExpiresAt,
		UseCount:  k.UseCount,
		MaxUses:   k.MaxUses,
		RevokedAt: k.RevokedAt,
	}
}
