package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time via
	// -ldflags "-X snipr/internal/version.Version=...".
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String renders the build information on one line per field.
func String() string {
	return fmt.Sprintf("snipr %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildDate)
}
