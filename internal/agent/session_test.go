package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/nexcron/internal/llm"
)

func indexOf(s, sub string) int { return strings.Index(s, sub) }
func countOf(s, sub string) int { return strings.Count(s, sub) }

func TestSessions_AppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	s := NewSessions(dir)
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, content := range []string{"a", "b", "c", "d"} {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		require.NoError(t, s.Append("alice", "digest", at, llm.Message{Role: role, Content: content}))
	}

	all, err := s.Recent("alice", "digest", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	last, err := s.Recent("alice", "digest", 2)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "c"},
		{Role: llm.RoleAssistant, Content: "d"},
	}, last)

	assert.FileExists(t, filepath.Join(dir, "alice", "digest.jsonl"))
}

func TestSessions_MissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	s := NewSessions(dir)

	msgs, err := s.Recent("bob", "none", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bob"), 0o755))
	content := "{not json}\n\n" + `{"message":{"role":"user","content":"ok"},"timestamp":"2026-06-01T12:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob", "job.jsonl"), []byte(content), 0o644))

	msgs, err = s.Recent("bob", "job", 5)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "ok"}}, msgs)

	msgs, err = s.Recent("bob", "job", 0)
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestSessions_Delete(t *testing.T) {
	s := NewSessions(t.TempDir())
	require.NoError(t, s.Append("alice", "digest", time.Now(), llm.Message{Role: llm.RoleUser, Content: "x"}))

	require.NoError(t, s.Delete("alice", "digest"))
	require.NoError(t, s.Delete("alice", "digest"), "deleting twice is fine")

	msgs, err := s.Recent("alice", "digest", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
