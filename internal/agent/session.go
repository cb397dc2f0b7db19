package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aatumaykin/nexcron/internal/llm"
)

// Entry is one line of a transcript file.
type Entry struct {
	Message   llm.Message `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sessions stores the conversation of every job as JSONL files at
// <dir>/<owner>/<slug>.jsonl so recurring turns see their previous replies.
type Sessions struct {
	dir string
	mu  sync.Mutex
}

// NewSessions creates a transcript store rooted at dir.
func NewSessions(dir string) *Sessions {
	return &Sessions{dir: dir}
}

func (s *Sessions) path(ownerID, slug string) string {
	return filepath.Join(s.dir, ownerID, slug+".jsonl")
}

// Append adds messages to the transcript of ownerID/slug.
func (s *Sessions) Append(ownerID, slug string, at time.Time, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	for _, msg := range msgs {
		data, err := json.Marshal(Entry{Message: msg, Timestamp: at.UTC()})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	path := s.path(ownerID, slug)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest messages of ownerID/slug in
// chronological order. A missing transcript yields nothing.
func (s *Sessions) Recent(ownerID, slug string, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path(ownerID, slug))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var messages []llm.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Skip malformed lines
			continue
		}
		messages = append(messages, entry.Message)
		if len(messages) > limit {
			messages = messages[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	return messages, nil
}

// Delete removes the transcript of ownerID/slug.
func (s *Sessions) Delete(ownerID, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(ownerID, slug)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}
