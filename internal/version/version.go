// Package version reports the build identity of the tabbridge binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// Set with -ldflags "-X tabbridge/internal/version.Version=v1.2.3".
var (
	Version   = "dev"
	Built     = ""
	GitCommit = ""
)

// Info is the payload of `tabbridge version --json`.
type Info struct {
	Version   string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Patch     int    `json:"patch"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get describes the running binary. Commit and build time fall back to the
// VCS stamp the Go toolchain embeds when ldflags did not set them.
func Get() Info {
	info := Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
	info.Major, info.Minor, info.Patch = parseSemver(Version)

	if info.Built == "" || info.GitCommit == "" {
		if build, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range build.Settings {
				switch setting.Key {
				case "vcs.revision":
					if info.GitCommit == "" {
						info.GitCommit = setting.Value
					}
				case "vcs.time":
					if info.Built == "" {
						info.Built = setting.Value
					}
				}
			}
		}
	}
	return info
}

// parseSemver reads "v1.2.3-rc.1+meta" style strings. Missing or non-numeric
// parts are zero.
func parseSemver(value string) (major, minor, patch int) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "v")
	if cut := strings.IndexAny(value, "-+"); cut >= 0 {
		value = value[:cut]
	}
	parts := strings.SplitN(value, ".", 3)
	numbers := [3]int{}
	for i, part := range parts {
		parsed, err := strconv.Atoi(part)
		if err != nil || parsed < 0 {
			return 0, 0, 0
		}
		numbers[i] = parsed
	}
	return numbers[0], numbers[1], numbers[2]
}
