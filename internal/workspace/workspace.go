// Package workspace prepares the directory nexcron keeps its data in:
//
//   - cron/: job definitions, per-owner state, transcripts and run history
//   - HEARTBEAT.md: the checklist read by heartbeat jobs
//   - AGENTS.md: instructions prepended to every agent turn
package workspace

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// SubdirCron holds the scheduler's files.
	SubdirCron = "cron"

	FileHeartbeat = "HEARTBEAT.md"
	FileAgents    = "AGENTS.md"
)

//go:embed defaults/*.md
var defaults embed.FS

// Workspace represents a nexcron workspace with path management capabilities.
type Workspace struct {
	path string
}

// New creates a Workspace rooted at path. A leading ~ is expanded.
func New(path string) *Workspace {
	return &Workspace{path: expandHome(path)}
}

// Path returns the expanded workspace path.
func (w *Workspace) Path() string {
	return w.path
}

// EnsureDir creates the workspace directory if it doesn't exist.
func (w *Workspace) EnsureDir() error {
	if w.path == "" {
		return fmt.Errorf("workspace path is empty")
	}

	info, err := os.Stat(w.path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("workspace path exists but is not a directory: %s", w.path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to access workspace path %s: %w", w.path, err)
	}

	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory %s: %w", w.path, err)
	}
	return nil
}

// Subpath returns the path of a workspace subdirectory or file.
func (w *Workspace) Subpath(name string) string {
	return filepath.Join(w.path, name)
}

// EnsureSubpath creates a subdirectory within the workspace if it doesn't exist.
func (w *Workspace) EnsureSubpath(name string) error {
	if err := w.EnsureDir(); err != nil {
		return fmt.Errorf("failed to ensure workspace: %w", err)
	}
	if name == "" {
		return fmt.Errorf("subdirectory name is empty")
	}

	subpath := w.Subpath(name)
	info, err := os.Stat(subpath)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("subdirectory path exists but is not a directory: %s", subpath)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to access subdirectory %s: %w", subpath, err)
	}

	if err := os.MkdirAll(subpath, 0o755); err != nil {
		return fmt.Errorf("failed to create subdirectory %s: %w", subpath, err)
	}
	return nil
}

// Init creates the directory layout and writes the default files that are
// missing. Existing files are never overwritten. It returns the paths written.
func (w *Workspace) Init() ([]string, error) {
	if err := w.EnsureSubpath(SubdirCron); err != nil {
		return nil, err
	}

	var written []string
	for _, name := range []string{FileHeartbeat, FileAgents} {
		path := w.Subpath(name)
		ok, err := writeDefault(path, name)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, path)
		}
	}
	return written, nil
}

// DefaultFile returns the embedded default content of name.
func DefaultFile(name string) (string, error) {
	data, err := defaults.ReadFile("defaults/" + name)
	if err != nil {
		return "", fmt.Errorf("no default for %s: %w", name, err)
	}
	return string(data), nil
}

func writeDefault(path, name string) (bool, error) {
	content, err := DefaultFile(name)
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// expandHome expands ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' && (len(path) == 1 || path[1] == '/') {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
