// Package version exposes build metadata stamped in via -ldflags.
package version

var (
	// Version is the semantic version of the delos binary.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
