package heartbeat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexcron/internal/logger"
)

func writeHeartbeat(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load(t *testing.T) {
	content := sampleHeartbeat + "\n### Broken\n- Schedule: \"nope\"\n- Task: \"x\"\n"
	loader := NewLoader(writeHeartbeat(t, content), logger.Discard())

	doc, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, content, doc.Content)
	assert.False(t, doc.Empty())
	require.Len(t, doc.Tasks, 2, "invalid task skipped")
	assert.Equal(t, "Daily Standup", doc.Tasks[0].Name)
}

func TestLoader_Missing(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "HEARTBEAT.md"), logger.Discard())

	doc, err := loader.Load()
	require.NoError(t, err)
	assert.True(t, doc.Empty())
	assert.Empty(t, doc.Tasks)
}

func TestLoader_Unreadable(t *testing.T) {
	loader := NewLoader(t.TempDir(), logger.Discard())

	_, err := loader.Load()
	assert.Error(t, err)
}
