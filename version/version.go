// Package version carries sockpool build metadata.
//
// Release builds set it with ldflags:
//
//	go build -ldflags "-X github.com/go-i2p/sockpool/version.Version=1.0.0 \
//	  -X github.com/go-i2p/sockpool/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without ldflags the commit falls back to the VCS stamp Go embeds.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	bi, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

// Info returns the build metadata.
func Info() Build {
	return Build{
		Version:   Version,
		Commit:    commit(),
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Full renders version, commit and build time, e.g.
// "1.0.0-abc1234 (2026-01-29T12:00:00Z)".
func Full() string {
	v := Version
	if c := commit(); c != "" {
		v += "-" + c
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}
