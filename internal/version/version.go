// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	// Version is the released semantic version, or "dev" for local builds.
	Version = "dev"
	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"
)
