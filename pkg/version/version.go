package version

import "runtime/debug"

// Injected at build time:
//
//	go build -ldflags "-X lookout/pkg/version.Version=v0.4.0 -X lookout/pkg/version.GitCommit=$(git rev-parse HEAD)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info represents version information for a service
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// GetInfo returns version information. When no commit was injected the VCS
// revision recorded by the Go toolchain is used.
func GetInfo() Info {
	info := Info{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate}
	if info.GitCommit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			info.GitCommit = rev
		}
	}
	return info
}

// GetShortCommit returns the short git commit hash (first 7 characters)
func GetShortCommit() string {
	commit := GetInfo().GitCommit
	if len(commit) >= 7 {
		return commit[:7]
	}
	return commit
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
