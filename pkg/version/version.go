// Package version holds build metadata injected at link time.
package version

var (
	// Version is the semantic version of this build, set via ldflags.
	Version = "dev"
	// GitCommit is the commit this build was produced from.
	GitCommit = "unknown"
)
