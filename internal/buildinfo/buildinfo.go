// Package buildinfo reports the version stamped into the binary by the Go
// toolchain.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

type Info struct {
	ModulePath string `json:"module_path,omitempty"`
	Version    string `json:"version"`
	Commit     string `json:"commit,omitempty"`
	Dirty      bool   `json:"dirty,omitempty"`
	BuildTime  string `json:"build_time,omitempty"`
	GoVersion  string `json:"go_version"`
}

var readBuildInfo = debug.ReadBuildInfo

func Read() Info {
	info := Info{Version: "(devel)", GoVersion: runtime.Version()}
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	info.ModulePath = bi.Main.Path
	if bi.Main.Version != "" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Commit = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			info.BuildTime = s.Value
		}
	}
	return info
}

// String is "<version> [<commit>[-dirty]] <go version>" with the commit
// shortened to 12 characters.
func (i Info) String() string {
	out := i.Version
	if c := i.Commit; c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		out += " " + c
		if i.Dirty {
			out += "-dirty"
		}
	}
	return out + " " + i.GoVersion
}
