// Package moxvar provides the version of an mxsend build.
package moxvar

import (
	"runtime/debug"
)

// Version is set at startup from the build information of the main module.
var Version = "(devel)"

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		Version = fromBuildInfo(bi)
	}
}

// fromBuildInfo returns the module version, or for development builds the VCS
// revision with a "+modifications" suffix for dirty checkouts.
func fromBuildInfo(bi *debug.BuildInfo) string {
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	settings := map[string]string{}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return "(devel)"
	}
	if settings["vcs.modified"] == "true" {
		rev += "+modifications"
	}
	return rev
}
