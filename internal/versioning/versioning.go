// Package versioning wraps semantic version parsing, ordering and latest
// selection, plus the schema compliance rules applied on version upload.
package versioning

import (
	"errors"
	"sort"

	"github.com/blang/semver/v4"

	"github.com/opendsc/opendsc/internal/api"
)

// ErrNoVersion is returned by Latest when no version survives filtering.
var ErrNoVersion = errors.New("no published version")

// Parse parses a strict SemVer 2.0 version string
// (MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD]).
func Parse(v string) (semver.Version, error) {
	parsed, err := semver.Parse(v)
	if err != nil {
		return semver.Version{}, api.NewFieldValidationError("version", "invalid semantic version %q: %v", v, err)
	}
	return parsed, nil
}

// MustParse parses a version known to be valid and panics otherwise.
func MustParse(v string) semver.Version {
	return semver.MustParse(v)
}

// Latest returns the greatest of versions, skipping pre-releases unless
// includePrerelease is set. Build metadata never influences the ordering.
// Returns ErrNoVersion when nothing survives the filter.
func Latest(versions []semver.Version, includePrerelease bool) (semver.Version, error) {
	found := false
	var best semver.Version
	for _, v := range versions {
		if !includePrerelease && len(v.Pre) > 0 {
			continue
		}
		if !found || v.GT(best) {
			best = v
			found = true
		}
	}
	if !found {
		return semver.Version{}, ErrNoVersion
	}
	return best, nil
}

// LatestString is Latest over raw version strings, returning the original
// string of the winner.
func LatestString(versions []string, includePrerelease bool) (string, error) {
	parsed := make([]semver.Version, 0, len(versions))
	for _, s := range versions {
		v, err := Parse(s)
		if err != nil {
			return "", err
		}
		parsed = append(parsed, v)
	}
	best, err := Latest(parsed, includePrerelease)
	if err != nil {
		return "", err
	}
	return best.String(), nil
}

// Sort orders versions ascending in place.
func Sort(versions []semver.Version) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].LT(versions[j]) })
}

// SortDesc orders versions descending in place, newest first.
func SortDesc(versions []semver.Version) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].GT(versions[j]) })
}
