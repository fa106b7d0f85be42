package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
)

// version is injected with a linker flag.
var version = ""

// Version describes the running build.
type Version struct {
	// Version is a human-friendly version string.
	Version string
	// GitCommit is the ID (sha) of the last commit included in this build.
	GitCommit string
	// GitTreeDirty is true if the source tree contained uncommitted changes
	// at the time it was built.
	GitTreeDirty bool
	// GoVersion is the version of Go that was used to build the application.
	GoVersion string
	// Platform indicates the OS and CPU architecture for which the
	// application was built.
	Platform string
}

var ver Version

func init() {
	ver = Version{
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.modified":
				ver.GitTreeDirty, _ = strconv.ParseBool(setting.Value)
			case "vcs.revision":
				ver.GitCommit = setting.Value
			}
		}
	}

	// Without an injected version string, or with a dirty tree, formulate a
	// version from whatever commit info is available.
	if version == "" || ver.GitCommit == "" || ver.GitTreeDirty {
		version = "devel"
		if len(ver.GitCommit) >= 7 {
			version = fmt.Sprintf("%s+%s", version, ver.GitCommit[0:7])
		} else {
			version = fmt.Sprintf("%s+unknown", version)
		}
		if ver.GitTreeDirty {
			version = fmt.Sprintf("%s.dirty", version)
		}
	}

	ver.Version = version
}

// GetVersion returns the running build's version information.
func GetVersion() Version {
	return ver
}
