package heartbeat

import (
	"fmt"
	"os"
	"strings"

	"github.com/aatumaykin/nexcron/internal/logger"
)

// Document is a loaded HEARTBEAT.md.
type Document struct {
	Content string
	Tasks   []Task
}

// Empty reports whether the file was missing or blank.
func (d Document) Empty() bool {
	return strings.TrimSpace(d.Content) == ""
}

// Loader reads HEARTBEAT.md. The file is read on every wake so edits apply
// without a restart.
type Loader struct {
	path   string
	logger *logger.Logger
}

// NewLoader creates a Loader for the file at path.
func NewLoader(path string, log *logger.Logger) *Loader {
	return &Loader{path: path, logger: log}
}

// Path returns the file location.
func (l *Loader) Path() string {
	return l.path
}

// Load loads and parses the file. A missing file yields an empty Document
// without error. Invalid tasks are skipped with a warning.
func (l *Loader) Load() (Document, error) {
	content, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		l.logger.Debug("HEARTBEAT.md not found, skipping", logger.Field{Key: "path", Value: l.path})
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to read HEARTBEAT.md: %w", err)
	}

	doc := Document{Content: string(content)}
	for _, task := range Parse(doc.Content) {
		if err := Validate(task); err != nil {
			l.logger.Warn("skipping invalid heartbeat task",
				logger.Field{Key: "task_name", Value: task.Name},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		doc.Tasks = append(doc.Tasks, task)
	}

	l.logger.Debug("heartbeat tasks loaded",
		logger.Field{Key: "total", Value: len(doc.Tasks)},
		logger.Field{Key: "path", Value: l.path})

	return doc, nil
}
