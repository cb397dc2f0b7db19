// Package runlog is the append-only audit trail of cron job executions.
// Rows are written once per attempt and never updated or deleted.
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aatumaykin/nexcron/internal/logger"
)

//go:embed migrations.sql
var migrations string

const (
	// DefaultLimit is the page size used when a query does not set one.
	DefaultLimit = 50
	// MaxLimit caps the page size of a single query.
	MaxLimit = 500
)

// Entry is one execution attempt.
type Entry struct {
	ID           string    `json:"id" yaml:"id"`
	OwnerID      string    `json:"owner_id" yaml:"owner_id"`
	Slug         string    `json:"slug" yaml:"slug"`
	Status       string    `json:"status" yaml:"status"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	DurationMs   int64     `json:"duration_ms" yaml:"duration_ms"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	Summary      string    `json:"summary,omitempty" yaml:"summary,omitempty"`
	InputTokens  int64     `json:"input_tokens,omitempty" yaml:"input_tokens,omitempty"`
	OutputTokens int64     `json:"output_tokens,omitempty" yaml:"output_tokens,omitempty"`
	TotalTokens  int64     `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
	CostUSD      float64   `json:"cost_usd,omitempty" yaml:"cost_usd,omitempty"`
}

// Query selects a page of history for one job slug. OwnerID narrows the
// result to a single owner when set.
type Query struct {
	Slug    string
	OwnerID string
	Limit   int
	Offset  int
}

// Store writes and reads run history in SQLite.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("runlog path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runlog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open runlog database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")

	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The schema is not applied.
func New(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, logger: log}
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations); err != nil {
		return fmt.Errorf("failed to migrate runlog: %w", err)
	}
	return nil
}

// Record appends one row. A missing ID or start time is filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_runs(id, owner_id, slug, status, started_at, duration_ms, error, summary,
			input_tokens, output_tokens, total_tokens, cost_usd)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.OwnerID, e.Slug, e.Status, e.StartedAt.UnixMilli(), e.DurationMs,
		nullStr(e.Error), nullStr(e.Summary),
		e.InputTokens, e.OutputTokens, e.TotalTokens, e.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	s.logger.Debug("run recorded",
		logger.Field{Key: "run_id", Value: e.ID},
		logger.Field{Key: "owner_id", Value: e.OwnerID},
		logger.Field{Key: "slug", Value: e.Slug},
		logger.Field{Key: "status", Value: e.Status})
	return nil
}

// History returns one page of runs, most recent first, and the total number
// of runs matching the query.
func (s *Store) History(ctx context.Context, q Query) ([]Entry, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := " FROM cron_runs WHERE slug = ?"
	args := []any{q.Slug}
	if q.OwnerID != "" {
		where += " AND owner_id = ?"
		args = append(args, q.OwnerID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `SELECT id, owner_id, slug, status, started_at, duration_ms, error, summary,
		input_tokens, output_tokens, total_tokens, cost_usd` + where +
		" ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			startedMs int64
			errMsg    sql.NullString
			summary   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Slug, &e.Status, &startedMs, &e.DurationMs,
			&errMsg, &summary, &e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.CostUSD); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		e.StartedAt = time.UnixMilli(startedMs)
		e.Error = errMsg.String
		e.Summary = summary.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating runs: %w", err)
	}
	return entries, total, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
