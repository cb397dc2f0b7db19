// Package version holds build information injected through -ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Version   = "0.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = "unknown"
)

// SetInfo overrides the build information. Empty values are ignored.
func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// Runtime returns the Go version, falling back to the running toolchain.
func Runtime() string {
	if GoVersion == "" || GoVersion == "unknown" {
		return runtime.Version()
	}
	return GoVersion
}

// Format renders the multi-line output of the version command.
func Format() string {
	var b strings.Builder
	b.WriteString("nexcron - scheduled jobs for agents\n")
	fmt.Fprintf(&b, "Version: %s\n", Version)
	fmt.Fprintf(&b, "Build Time: %s\n", BuildTime)
	fmt.Fprintf(&b, "Git Commit: %s\n", GitCommit)
	fmt.Fprintf(&b, "Go Version: %s\n", Runtime())
	return b.String()
}
