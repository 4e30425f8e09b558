// Package version exposes the build version of switchboard.
package version

import "fmt"

var (
	// Version is the semantic version, overridden at build time via ldflags.
	Version = "0.4.0"
	// GitCommit is the git commit hash, overridden at build time via ldflags.
	GitCommit = "unknown"
)

// String returns the full version string.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
