// Package retention plans and executes cleanup of old configuration
// versions. A version survives when it is in use, among the most recently
// created versions of its configuration, or younger than the retention
// window; everything else is a deletion candidate.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/configs"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Service plans retention runs and delegates deletion to the configuration
// service so in-use checks and blob cleanup stay in one place.
type Service struct {
	store   store.Store
	configs *configs.Service
}

// NewService returns a retention service over st deleting through cs.
func NewService(st store.Store, cs *configs.Service) *Service {
	return &Service{store: st, configs: cs}
}

// CleanupConfigurations runs retention over all configuration versions. The
// plan is computed from one read snapshot; deletions run one transaction per
// version so partial progress is durable. Versions that become in use
// between planning and deletion are skipped.
func (s *Service) CleanupConfigurations(ctx context.Context, req api.RetentionRequest) (*api.RetentionReport, error) {
	if req.KeepVersions < 1 {
		return nil, api.NewFieldValidationError("keepVersions", "must be at least 1")
	}
	if req.KeepDays < 0 {
		return nil, api.NewFieldValidationError("keepDays", "must not be negative")
	}

	report := &api.RetentionReport{DryRun: req.DryRun, Candidates: []api.RetentionCandidate{}}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.KeepDays)

	err := s.store.View(func(tx store.ReadTx) error {
		for _, cfg := range tx.Configurations() {
			report.Examined += len(cfg.Versions)
			recent := recentVersions(cfg, req.KeepVersions)
			for _, v := range cfg.Versions {
				if recent[v.Version] {
					continue
				}
				if req.KeepDays > 0 && v.CreatedAt.After(cutoff) {
					continue
				}
				if _, used := configs.VersionInUse(tx, cfg.Name, v.Version); used {
					continue
				}
				report.Candidates = append(report.Candidates, api.RetentionCandidate{
					Configuration: cfg.Name,
					Version:       v.Version,
					CreatedAt:     v.CreatedAt,
					Bytes:         versionBytes(v),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(report.Candidates, func(i, j int) bool {
		a, b := report.Candidates[i], report.Candidates[j]
		if a.Configuration != b.Configuration {
			return a.Configuration < b.Configuration
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if req.DryRun {
		logging.Info("Retention", "Dry run: %d of %d versions are deletion candidates", len(report.Candidates), report.Examined)
		return report, nil
	}

	kept := report.Candidates[:0]
	for _, c := range report.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, &api.CancelledError{Op: "retention run"}
		}
		if err := s.configs.DeleteVersion(ctx, c.Configuration, c.Version); err != nil {
			if api.IsConflict(err) || api.IsNotFound(err) {
				logging.Warn("Retention", "Skipping %s@%s: %v", c.Configuration, c.Version, err)
				continue
			}
			return nil, err
		}
		report.FreedBytes += c.Bytes
		kept = append(kept, c)
	}
	report.Candidates = kept
	logging.Info("Retention", "Deleted %d versions, freed %d bytes", len(report.Candidates), report.FreedBytes)
	return report, nil
}

// CleanupParameters is a documented no-op: parameter documents are small,
// schema rows are deduplicated and activation history has audit value. The
// surface exists so a policy can land without breaking clients.
func (s *Service) CleanupParameters(ctx context.Context, req api.RetentionRequest) (*api.RetentionReport, error) {
	if req.KeepVersions < 1 {
		return nil, api.NewFieldValidationError("keepVersions", "must be at least 1")
	}
	report := &api.RetentionReport{DryRun: req.DryRun, Candidates: []api.RetentionCandidate{}}
	err := s.store.View(func(tx store.ReadTx) error {
		for _, set := range tx.ParameterSets() {
			report.Examined += len(set.Files)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Retention", "Parameter retention examined %d documents; no deletion policy is active", report.Examined)
	return report, nil
}

// recentVersions returns the keep most recently created version strings.
func recentVersions(cfg *store.Configuration, keep int) map[string]bool {
	sorted := append([]*store.ConfigurationVersion(nil), cfg.Versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.After(sorted[j].CreatedAt) })
	out := map[string]bool{}
	for i, v := range sorted {
		if i >= keep {
			break
		}
		out[v.Version] = true
	}
	return out
}

func versionBytes(v *store.ConfigurationVersion) int64 {
	var total int64
	for _, f := range v.Files {
		total += f.Size
	}
	return total
}
