package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func restore(t *testing.T) {
	v, bt, gc, gv := Version, BuildTime, GitCommit, GoVersion
	t.Cleanup(func() {
		Version, BuildTime, GitCommit, GoVersion = v, bt, gc, gv
	})
}

func TestSetInfo(t *testing.T) {
	restore(t)

	SetInfo("1.0.0", "2026-01-01T00:00:00Z", "abc123", "go1.26")

	assert.Equal(t, "1.0.0", Version)
	assert.Equal(t, "2026-01-01T00:00:00Z", BuildTime)
	assert.Equal(t, "abc123", GitCommit)
	assert.Equal(t, "go1.26", GoVersion)
}

func TestSetInfoEmptyValues(t *testing.T) {
	restore(t)

	Version = "test-version"
	SetInfo("", "", "", "")

	assert.Equal(t, "test-version", Version)
}

func TestRuntime(t *testing.T) {
	restore(t)

	GoVersion = "unknown"
	assert.Equal(t, runtime.Version(), Runtime())

	GoVersion = "go1.26"
	assert.Equal(t, "go1.26", Runtime())
}

func TestFormat(t *testing.T) {
	restore(t)

	SetInfo("1.2.3", "2026-06-15T10:30:00Z", "deadbeef", "go1.26")
	out := Format()

	assert.Contains(t, out, "nexcron")
	assert.Contains(t, out, "Version: 1.2.3")
	assert.Contains(t, out, "Build Time: 2026-06-15T10:30:00Z")
	assert.Contains(t, out, "Git Commit: deadbeef")
	assert.Contains(t, out, "Go Version: go1.26")
}
