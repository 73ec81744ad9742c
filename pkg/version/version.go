// Package version carries build information for the mas binaries.
// The variables are set at build time via ldflags.
// Example: go build -ldflags "-X mas/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // Package-level vars are required for ldflags injection.
package version

var (
	// Version is the semantic version, "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
