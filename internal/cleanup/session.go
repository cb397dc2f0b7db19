package cleanup

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const transcriptExt = ".jsonl"

// TranscriptInfo holds information about a transcript file.
type TranscriptInfo struct {
	OwnerID   string
	Slug      string
	Path      string
	Size      int64
	ModTime   time.Time
	LineCount int
}

// Key returns the job identity the transcript belongs to.
func (t TranscriptInfo) Key() string {
	return t.OwnerID + "/" + t.Slug
}

// ListTranscripts lists every transcript under dir.
func (r *Runner) ListTranscripts(dir string) ([]TranscriptInfo, error) {
	owners, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []TranscriptInfo
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		ownerDir := filepath.Join(dir, owner.Name())
		entries, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != transcriptExt {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(ownerDir, entry.Name())
			lines, err := countLines(path)
			if err != nil {
				continue
			}
			out = append(out, TranscriptInfo{
				OwnerID:   owner.Name(),
				Slug:      strings.TrimSuffix(entry.Name(), transcriptExt),
				Path:      path,
				Size:      info.Size(),
				ModTime:   info.ModTime(),
				LineCount: lines,
			})
		}
	}
	return out, nil
}

func countLines(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

// ShouldDelete reports whether t belongs to a removed job and is old enough.
func (r *Runner) ShouldDelete(t TranscriptInfo, active map[string]bool) bool {
	if active[t.Key()] || r.config.OrphanTTL <= 0 {
		return false
	}
	return t.ModTime.Before(r.now().Add(-r.config.OrphanTTL))
}

// ShouldTrim reports whether t has more messages than allowed.
func (r *Runner) ShouldTrim(t TranscriptInfo) bool {
	return r.config.MaxMessages > 0 && t.LineCount > r.config.MaxMessages
}
