package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X github.com/chriscow/foundation-voice-go/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GetVersionInfo returns the one-line version banner printed by `fv-go version`.
func GetVersionInfo() string {
	return fmt.Sprintf("fv-go version %s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildTime, runtime.Version())
}

// UserAgent identifies outbound HTTP calls made by providers.
func UserAgent() string {
	return "foundation-voice-go/" + Version
}
