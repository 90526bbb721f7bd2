package domain

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// NormalizeSemver canonicalizes a version string for comparison, accepting
// both "1.2.3" and "v1.2.3" forms. Returns false when the value does not
// parse as semver.
func NormalizeSemver(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}
	if !strings.HasPrefix(value, "v") {
		value = "v" + value
	}
	normalized := semver.Canonical(value)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// IsNewerVersion reports whether latest is strictly greater than current
// under semantic-version ordering.
func IsNewerVersion(current, latest string) (bool, error) {
	currentSemver, ok := NormalizeSemver(current)
	if !ok {
		return false, fmt.Errorf("invalid current version: %s", current)
	}
	latestSemver, ok := NormalizeSemver(latest)
	if !ok {
		return false, fmt.Errorf("invalid latest version: %s", latest)
	}
	return semver.Compare(latestSemver, currentSemver) > 0, nil
}
