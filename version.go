package enzyme

import (
	"fmt"
	"runtime"
)

// Build metadata, overridable with -ldflags "-X".
var (
	Version   = "v0.4.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// UserAgent is the User-Agent sent when neither the client defaults nor the
// request set one.
func UserAgent() string {
	return fmt.Sprintf("enzyme/%s (%s; %s/%s)", Version, GoVersion, runtime.GOOS, runtime.GOARCH)
}

// GetVersion returns the version with its build metadata.
func GetVersion() string {
	return fmt.Sprintf("enzyme %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns the build metadata as log fields.
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}
