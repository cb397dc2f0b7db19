package cleanup

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
)

// Run prunes the transcripts under dir. active holds the "owner/slug" keys
// of existing jobs; transcripts of other jobs are orphans.
func (r *Runner) Run(dir string, active map[string]bool, log *logger.Logger) (Stats, error) {
	startTime := time.Now()
	stats := Stats{}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Debug("transcript directory does not exist, skipping cleanup")
		return stats, nil
	}

	transcripts, err := r.ListTranscripts(dir)
	if err != nil {
		return stats, fmt.Errorf("failed to list transcripts: %w", err)
	}

	for _, t := range transcripts {
		switch {
		case r.ShouldDelete(t, active):
			if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
				log.Error("failed to delete transcript", err,
					logger.Field{Key: "job", Value: t.Key()})
				continue
			}
			stats.TranscriptsDeleted++
			stats.BytesFreed += t.Size
			log.Debug("deleted orphaned transcript", logger.Field{Key: "job", Value: t.Key()})

		case r.ShouldTrim(t):
			dropped, freed, err := r.trim(t.Path, r.config.MaxMessages)
			if err != nil {
				log.Error("failed to trim transcript", err,
					logger.Field{Key: "job", Value: t.Key()})
				continue
			}
			stats.TranscriptsTrimmed++
			stats.MessagesDropped += dropped
			stats.BytesFreed += freed
		}
	}

	stats.OwnerDirsRemoved = removeEmptyDirs(dir, log)
	stats.Duration = time.Since(startTime)
	return stats, nil
}

// trim keeps the last keep lines of the file at path.
func (r *Runner) trim(path string, keep int) (dropped int, freed int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}

	var lines []string
	var before int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		before += int64(len(scanner.Bytes())) + 1
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > keep {
			lines = lines[1:]
			dropped++
		}
	}
	file.Close()
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, 0, err
	}
	return dropped, before - int64(buf.Len()), nil
}

// removeEmptyDirs removes owner directories left without transcripts.
func removeEmptyDirs(dir string, log *logger.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		sub, err := os.ReadDir(path)
		if err != nil || len(sub) > 0 {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
			log.Debug("removed empty transcript directory", logger.Field{Key: "path", Value: path})
		}
	}
	return removed
}
