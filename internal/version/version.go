// Package version holds build metadata set via -ldflags at release time.
package version

// Version defaults to "dev" and Commit to "unknown" for local builds; the release
// pipeline overrides them with -ldflags "-X .../version.Version=... -X .../version.Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)
