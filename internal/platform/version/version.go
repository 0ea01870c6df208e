// Package version reports build information for the /version endpoint and startup logs.
package version

import (
	"runtime"
	"runtime/debug"
)

// Build information, injected via ldflags at build time:
//
//	-X github.com/pscheid92/mcpulse/internal/platform/version.Version=v1.2.3
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const Service = "mcpulse"

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build information. Commit and BuildTime fall back to the
// VCS stamp embedded by the Go toolchain when ldflags did not set them.
func Get() Info {
	info := Info{
		Service:   Service,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		applyVCSSettings(&info, bi.Settings)
	}
	return info
}

func applyVCSSettings(info *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		}
	}
}
