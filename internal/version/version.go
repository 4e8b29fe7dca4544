// Package version reports the coord release.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// String returns the version in the form printed by "coord version".
func String() string {
	return "coord " + Get()
}
