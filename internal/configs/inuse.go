package configs

import (
	"fmt"

	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/internal/versioning"
)

// VersionInUse reports whether a configuration version is depended on,
// with a reason. A version is in use when a node assignment pins it, when
// it is the latest published version of a configuration assigned without a
// pin, or when a composite references it (pinned, or as the latest
// published version of a null-pinned child). Retention applies the same
// rule.
func VersionInUse(tx store.ReadTx, configName, version string) (string, bool) {
	cfg := tx.Configuration(configName)
	if cfg == nil {
		return "", false
	}
	latest, _ := versioning.LatestString(cfg.PublishedVersions(), false)

	for _, n := range tx.Nodes() {
		a := n.Assignment
		if a == nil || a.Configuration != configName {
			continue
		}
		if a.PinnedVersion == version {
			return fmt.Sprintf("pinned by node %s", n.FQDN), true
		}
		if a.PinnedVersion == "" && version == latest {
			return fmt.Sprintf("latest published version, assigned to node %s", n.FQDN), true
		}
	}

	for _, comp := range tx.Composites() {
		for _, cv := range comp.Versions {
			for _, item := range cv.Items {
				if item.Configuration != configName {
					continue
				}
				if item.PinnedVersion == version {
					return fmt.Sprintf("pinned by composite %s@%s", comp.Name, cv.Version), true
				}
				if item.PinnedVersion == "" && version == latest {
					return fmt.Sprintf("latest published version, required by composite %s@%s", comp.Name, cv.Version), true
				}
			}
		}
	}
	return "", false
}

// compositeVersionInUse reports whether a composite version is assigned to
// a node, directly or as the latest published version.
func compositeVersionInUse(tx store.ReadTx, comp *store.Composite, version string) (string, bool) {
	latest, _ := versioning.LatestString(comp.PublishedVersions(), false)
	for _, n := range tx.Nodes() {
		a := n.Assignment
		if a == nil || a.Composite != comp.Name {
			continue
		}
		if a.PinnedVersion == version {
			return fmt.Sprintf("pinned by node %s", n.FQDN), true
		}
		if a.PinnedVersion == "" && version == latest {
			return fmt.Sprintf("latest published version, assigned to node %s", n.FQDN), true
		}
	}
	return "", false
}
