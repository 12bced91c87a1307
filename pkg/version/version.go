// Package version carries build information for the agentchattr binaries.
// The variables are set at build time via ldflags.
package version

import "fmt"

// Build information variables - set by goreleaser via ldflags.
// Example: go build -ldflags "-X agentchattr/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version, "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
