// Package version provides build-time version information for the opengrove
// binary.
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// BuildInfo is the JSON-friendly form printed by `opengrove version --json`.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Current returns the linked-in build information.
func Current() BuildInfo {
	return BuildInfo{Version: Version, Commit: GitCommit, BuildTime: BuildTime}
}

// Info returns a formatted version string
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
