package store

import (
	"strings"

	"github.com/opendsc/opendsc/internal/api"
)

// NormalizeRelPath validates and canonicalizes a bundle-relative file path:
// separators become forward slashes, the path must be relative and no
// segment may be empty, "." or "..". The rule is enforced at upload and
// re-checked at bundle build.
func NormalizeRelPath(field, p string) (string, error) {
	if p == "" {
		return "", api.NewFieldValidationError(field, "must not be empty")
	}
	normalized := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(normalized, "/") || hasDrivePrefix(normalized) {
		return "", api.NewFieldValidationError(field, "%q must be relative", p)
	}
	for _, seg := range strings.Split(normalized, "/") {
		switch seg {
		case "":
			return "", api.NewFieldValidationError(field, "%q contains an empty path segment", p)
		case ".", "..":
			return "", api.NewFieldValidationError(field, "%q contains a %q segment", p, seg)
		}
	}
	return normalized, nil
}

// hasDrivePrefix reports a Windows drive-letter path such as "C:\x" or
// "C:/x".
func hasDrivePrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
