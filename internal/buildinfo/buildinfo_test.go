package buildinfo

import (
	"runtime/debug"
	"testing"
)

func TestRead_VCSSettings(t *testing.T) {
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Path: "meshar", Version: "v0.3.1"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.modified", Value: "true"},
				{Key: "vcs.time", Value: "2025-12-20T19:00:00Z"},
			},
		}, true
	}
	t.Cleanup(func() { readBuildInfo = old })

	info := Read()
	info.GoVersion = "go1.23.4"
	if info.ModulePath != "meshar" || info.BuildTime != "2025-12-20T19:00:00Z" {
		t.Fatalf("info=%+v", info)
	}
	if got, want := info.String(), "v0.3.1 0123456789ab-dirty go1.23.4"; got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}
}

func TestRead_NoBuildInfo(t *testing.T) {
	old := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	t.Cleanup(func() { readBuildInfo = old })

	info := Read()
	info.GoVersion = "go1.23.4"
	if got, want := info.String(), "(devel) go1.23.4"; got != want {
		t.Fatalf("got=%q want=%q", got, want)
	}
}
