package version

import (
	"runtime"
	"testing"

	"github.com/matryer/is"
)

func TestBuildInfo(t *testing.T) {
	saved := [3]string{Version, GitCommit, BuildTime}
	t.Cleanup(func() { Version, GitCommit, BuildTime = saved[0], saved[1], saved[2] })

	tests := []struct {
		name       string
		version    string
		commit     string
		built      string
		wantBanner string
		wantUA     string
	}{
		{
			name:       "unstamped build",
			version:    "dev",
			commit:     "unknown",
			built:      "unknown",
			wantBanner: "fv-go version dev (commit: unknown, built: unknown, go: " + runtime.Version() + ")",
			wantUA:     "foundation-voice-go/dev",
		},
		{
			name:       "release build",
			version:    "v0.3.1",
			commit:     "9f2c1e7",
			built:      "2026-10-01T08:00:00Z",
			wantBanner: "fv-go version v0.3.1 (commit: 9f2c1e7, built: 2026-10-01T08:00:00Z, go: " + runtime.Version() + ")",
			wantUA:     "foundation-voice-go/v0.3.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			Version, GitCommit, BuildTime = tt.version, tt.commit, tt.built
			is.Equal(GetVersionInfo(), tt.wantBanner)
			is.Equal(UserAgent(), tt.wantUA)
		})
	}
}
