package versioning

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/schema"
)

// CheckCompliance verifies that the version bump from prev to next covers
// the observed schema change: a breaking change (removed or retyped
// parameter) demands a MAJOR bump, an additive change at least MINOR, and
// identical shapes any higher version. Uploads below the previous published
// version are backports and pass unchecked.
//
// Violations come back as *api.SemVerViolationError; enforcement is the
// caller's decision.
func CheckCompliance(prev, next semver.Version, diff schema.Diff) error {
	if next.LTE(prev) {
		return nil
	}

	switch diff.Kind {
	case schema.ChangeBreaking:
		if next.Major > prev.Major {
			return nil
		}
		return &api.SemVerViolationError{
			Required: "major",
			Got:      next.String(),
			Reason:   breakingReason(diff),
		}
	case schema.ChangeAdditive:
		if next.Major > prev.Major || next.Minor > prev.Minor {
			return nil
		}
		return &api.SemVerViolationError{
			Required: "minor",
			Got:      next.String(),
			Reason:   fmt.Sprintf("parameters added (%s)", strings.Join(diff.Added, ", ")),
		}
	default:
		return nil
	}
}

func breakingReason(diff schema.Diff) string {
	var parts []string
	if len(diff.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("parameters removed (%s)", strings.Join(diff.Removed, ", ")))
	}
	if len(diff.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("parameter types changed (%s)", strings.Join(diff.Changed, ", ")))
	}
	if len(parts) == 0 {
		return "breaking schema change"
	}
	return strings.Join(parts, "; ")
}
