package heartbeat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aatumaykin/nexcron/internal/cron"
)

// Task represents a periodic task defined in HEARTBEAT.md
type Task struct {
	Name     string `json:"name"`     // Task name (e.g., "Daily Standup")
	Schedule string `json:"schedule"` // Cron expression (e.g., "0 9 * * *")
	TZ       string `json:"tz,omitempty"`
	Task     string `json:"task"` // Task description
}

var quotedValue = regexp.MustCompile(`"([^"]*)"`)

// Parse extracts heartbeat tasks from HEARTBEAT.md content. Tasks are level 3
// headers followed by "- Schedule:", "- Task:" and optional "- TZ:" lines.
// Expected format:
//
//	# Heartbeat Tasks
//
//	## Periodic Reviews
//
//	### Daily Standup
//	- Schedule: "0 9 * * *"
//	- Task: "Review daily progress, check for blocked tasks, update priorities"
//
// Sections without a header yield nothing; incomplete tasks are returned and
// left for Validate.
func Parse(content string) []Task {
	var tasks []Task
	var current *Task

	flush := func() {
		if current != nil {
			tasks = append(tasks, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			flush()
			current = &Task{Name: strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))}
		case strings.HasPrefix(trimmed, "## "), strings.HasPrefix(trimmed, "# "):
			flush()
		case current == nil:
		case strings.HasPrefix(trimmed, "- Schedule:"):
			current.Schedule = extractValue(trimmed)
		case strings.HasPrefix(trimmed, "- Task:"):
			current.Task = extractValue(trimmed)
		case strings.HasPrefix(trimmed, "- TZ:"):
			current.TZ = extractValue(trimmed)
		}
	}
	flush()

	return tasks
}

// Validate validates a Task
func Validate(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if err := cron.ValidateSchedule(task.schedule()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if task.Task == "" {
		return fmt.Errorf("task description cannot be empty")
	}
	return nil
}

func (t Task) schedule() cron.Schedule {
	return cron.CronSchedule(t.Schedule, t.TZ)
}

// extractValue returns the quoted value of a "- Key: value" line, or the text
// after the colon when there are no quotes.
func extractValue(line string) string {
	if m := quotedValue.FindStringSubmatch(line); len(m) > 1 {
		return m[1]
	}
	if _, after, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
