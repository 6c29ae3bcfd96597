package version

import (
	"fmt"
	"strings"
)

var (
	// GitCommit is filled in by the compile flags.
	GitCommit string

	Version = "0.4.0"

	// VersionPrerelease marks the version as alpha/beta/rc. Empty for
	// final releases.
	VersionPrerelease = "dev"
)

// GetHumanVersion composes the version for display.
func GetHumanVersion() string {
	version := Version
	if VersionPrerelease != "" {
		version += fmt.Sprintf("-%s", VersionPrerelease)
	}
	if GitCommit != "" {
		version += fmt.Sprintf(" (%s)", GitCommit)
	}
	return strings.TrimSpace(version)
}
