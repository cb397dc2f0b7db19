// Package cleanup prunes the transcripts agent turns leave behind: long
// transcripts are trimmed to their newest messages and transcripts of jobs
// that no longer exist are deleted once they are old enough.
package cleanup

import "time"

// Stats holds statistics about one cleanup run.
type Stats struct {
	TranscriptsTrimmed int           // Transcripts cut down to MaxMessages
	TranscriptsDeleted int           // Orphaned transcripts removed
	MessagesDropped    int           // Lines removed from trimmed transcripts
	OwnerDirsRemoved   int           // Empty owner directories removed
	BytesFreed         int64         // Bytes freed
	Duration           time.Duration // Time taken for cleanup
}

// Config holds configuration for cleanup operations.
type Config struct {
	MaxMessages int           // Messages kept per transcript (0 = no limit)
	OrphanTTL   time.Duration // Age after which a transcript of a removed job is deleted (0 = never)
}

// Runner prunes a transcript directory laid out as <dir>/<owner>/<slug>.jsonl.
type Runner struct {
	config Config
	now    func() time.Time
}

// NewRunner creates a new cleanup runner.
func NewRunner(config Config) *Runner {
	return &Runner{config: config, now: time.Now}
}
