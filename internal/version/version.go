// Package version carries the build fingerprint stamped in by ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Overridden at build time:
//
//	go build -ldflags "-X botswarm/internal/version.Version=v1.2.0 ..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// Info is the structured form served on /health and attached to
// analytics events.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns just the version number, for banners and telemetry
// tags.
func Short() string {
	return Version
}

// Full renders the multi-line block printed by the version command.
func Full() string {
	return fmt.Sprintf("botswarm %s (%s)\nBuilt: %s\nGo:    %s %s/%s",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Dev reports whether the binary was built without release metadata.
func Dev() bool {
	return Version == "dev"
}
