// Package version reports which build of the chat relay is running.
//
// Release builds stamp the variables below with -ldflags, for example
// -X github.com/ferro-labs/chat-relay/internal/version.Version=v0.1.0.
// Builds without ldflags fall back to the module version and VCS settings
// recorded by the Go toolchain.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Set at link time.
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

const unknown = "unknown"

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	resolveOnce sync.Once
	resolved    Info
)

// Get returns the build info, preferring linker-stamped values.
func Get() Info {
	resolveOnce.Do(func() {
		resolved = resolve(Version, Commit, Date, debug.ReadBuildInfo)
	})
	return resolved
}

func resolve(ver, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: ver, Commit: commit, Date: date}
	if bi, ok := read(); ok {
		info.GoVersion = bi.GoVersion
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = shortRevision(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = unknown
	}
	if info.Date == "" {
		info.Date = unknown
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String returns e.g. "v0.1.0 (commit abc1234, built 2026-10-01T12:00:00Z)".
// A dirty working tree adds "+dirty" to the commit.
func String() string {
	info := Get()
	commit := info.Commit
	if info.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("%s (commit %s, built %s)", info.Version, commit, info.Date)
}

// Short returns just the version tag, e.g. "v0.1.0" or "dev".
func Short() string {
	return Get().Version
}
