package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aatumaykin/nexcron/internal/cron"
)

// Bootstrap files in the order they are placed into the system prompt.
const (
	BootstrapAgents   = "AGENTS.md"
	BootstrapIdentity = "IDENTITY.md"
	BootstrapUser     = "USER.md"
)

var bootstrapFiles = []string{BootstrapAgents, BootstrapIdentity, BootstrapUser}

const sectionSeparator = "\n\n---\n\n"

// ContextBuilder builds system prompts for prompted turns from workspace
// bootstrap files.
type ContextBuilder struct {
	workspace string
	timezone  string
	now       func() time.Time
}

// NewContextBuilder creates a builder reading from workspace. The workspace
// does not need to exist; missing files are skipped.
func NewContextBuilder(workspace, timezone string) *ContextBuilder {
	return &ContextBuilder{workspace: workspace, timezone: timezone, now: time.Now}
}

// Build creates a system prompt: a turn header naming role, owner and job,
// followed by AGENTS → IDENTITY → USER.
func (b *ContextBuilder) Build(opts cron.TurnOptions) (string, error) {
	var sb strings.Builder

	sb.WriteString("# Scheduled Turn\n\n")
	fmt.Fprintf(&sb, "- **Role:** %s\n", opts.Role)
	fmt.Fprintf(&sb, "- **Owner:** %s\n", opts.OwnerID)
	fmt.Fprintf(&sb, "- **Job:** %s\n\n", opts.Slug)
	sb.WriteString("This turn was started by the scheduler, not by a person. Reply with the result only; it may be delivered to the owner as is.")

	for _, name := range bootstrapFiles {
		content, err := b.readFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		sb.WriteString(sectionSeparator)
		sb.WriteString(b.processTemplates(content))
	}

	return sb.String(), nil
}

// processTemplates replaces template variables with actual values.
func (b *ContextBuilder) processTemplates(content string) string {
	now := b.now()
	timezone := b.timezone
	if timezone == "" {
		timezone = "UTC"
	}
	if loc, err := time.LoadLocation(timezone); err == nil {
		now = now.In(loc)
	}

	return strings.NewReplacer(
		"{{CURRENT_TIME}}", now.Format("15:04:05"),
		"{{CURRENT_DATE}}", now.Format("2006-01-02"),
		"{{WORKSPACE_PATH}}", b.workspace,
		"{{TIMEZONE}}", timezone,
	).Replace(content)
}

func (b *ContextBuilder) readFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(b.workspace, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
