package kdmsg

import (
	"fmt"
	"runtime/debug"
)

// set with -ldflags -X at build time.
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string
var GO_VERSION string

func GetCodeVersion(programName string) string {
	return fmt.Sprintf("%s commit: %s / nearest-git-tag: %s / branch: %s / go version: %s\n",
		programName, LAST_GIT_COMMIT_HASH, NEAREST_GIT_TAG, GIT_BRANCH, GO_VERSION)
}

// BuildInfo falls back on what the toolchain embedded when
// the ldflags were not set.
func BuildInfo() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		return fmt.Sprintf("%v %v (%v)", bi.Main.Path, bi.Main.Version, bi.GoVersion)
	}
	return "unknown build"
}
