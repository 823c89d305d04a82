// Package version holds build-time identifiers injected via -ldflags.
package version

var (
	// Version is the semantic version of the running binary, overridden at
	// build time.
	Version = "dev"
	// Commit is the VCS commit hash, overridden at build time.
	Commit = "unknown"
)
