package cron

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aatumaykin/nexcron/internal/logger"
)

const (
	// CronSubdirectory is the directory for cron data within the workspace.
	CronSubdirectory = "cron"
	// JobsFilename stores job definitions, one JSON object per line.
	JobsFilename = "jobs.jsonl"
	// StateSubdirectory holds one state file per owner.
	StateSubdirectory = "state"
)

// Store persists job definitions and per-owner run state.
type Store interface {
	LoadAll(ctx context.Context) ([]Job, error)
	LoadState(ctx context.Context, ownerID string) (map[string]RunState, error)
	SaveState(ctx context.Context, ownerID string, states map[string]RunState) error
	CreateDefinition(ctx context.Context, ownerID, slug string, def Definition) error
	UpdateDefinition(ctx context.Context, ownerID, slug string, def Definition) error
	DeleteDefinition(ctx context.Context, ownerID, slug string) error
}

// storedDefinition is one line of the definitions file.
type storedDefinition struct {
	OwnerID    string     `json:"owner_id"`
	Slug       string     `json:"slug"`
	Definition Definition `json:"definition"`

	// raw holds a line that failed to parse. It is written back as is.
	raw []byte
}

// FileStore keeps definitions in a JSONL file and state in one JSON file per
// owner. Every rewrite goes through a temporary file and an atomic rename.
type FileStore struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store rooted at <workspacePath>/cron.
func NewFileStore(workspacePath string, log *logger.Logger) *FileStore {
	return &FileStore{
		dir:    filepath.Join(workspacePath, CronSubdirectory),
		logger: log,
	}
}

// DefinitionsPath returns the path of the definitions file.
func (s *FileStore) DefinitionsPath() string {
	return filepath.Join(s.dir, JobsFilename)
}

func (s *FileStore) statePath(ownerID string) string {
	return filepath.Join(s.dir, StateSubdirectory, ownerID+".json")
}

// LoadAll merges every definition with its owner's persisted state.
// Jobs come back in definitions file order.
func (s *FileStore) LoadAll(ctx context.Context) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefinitions()
	if err != nil {
		return nil, err
	}

	states := make(map[string]map[string]RunState)
	jobs := make([]Job, 0, len(defs))
	for _, d := range defs {
		if d.raw != nil {
			continue
		}
		ownerStates, ok := states[d.OwnerID]
		if !ok {
			ownerStates, err = s.readState(d.OwnerID)
			if err != nil {
				return nil, err
			}
			states[d.OwnerID] = ownerStates
		}
		jobs = append(jobs, Job{
			Slug:       d.Slug,
			OwnerID:    d.OwnerID,
			Definition: d.Definition,
			State:      ownerStates[d.Slug],
		})
	}
	return jobs, nil
}

// LoadState returns the persisted state of every job of ownerID.
func (s *FileStore) LoadState(ctx context.Context, ownerID string) (map[string]RunState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readState(ownerID)
}

// SaveState replaces the persisted state of ownerID.
func (s *FileStore) SaveState(ctx context.Context, ownerID string, states map[string]RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", ownerID, err)
	}
	if err := writeFileAtomic(s.statePath(ownerID), append(data, '\n')); err != nil {
		s.logger.Error("failed to save job state", err,
			logger.Field{Key: "owner_id", Value: ownerID})
		return err
	}

	s.logger.Debug("job state saved",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "count", Value: len(states)})
	return nil
}

// CreateDefinition appends a new definition. It fails with ErrJobExists
// when the owner already has a job with that slug.
func (s *FileStore) CreateDefinition(ctx context.Context, ownerID, slug string, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefinitions()
	if err != nil {
		return err
	}
	if indexOf(defs, ownerID, slug) >= 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, jobKey(ownerID, slug))
	}

	defs = append(defs, storedDefinition{OwnerID: ownerID, Slug: slug, Definition: def})
	if err := s.writeDefinitions(defs); err != nil {
		return err
	}

	s.logger.Debug("job definition created",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "slug", Value: slug})
	return nil
}

// UpdateDefinition replaces an existing definition in place.
func (s *FileStore) UpdateDefinition(ctx context.Context, ownerID, slug string, def Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefinitions()
	if err != nil {
		return err
	}
	i := indexOf(defs, ownerID, slug)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobKey(ownerID, slug))
	}

	defs[i].Definition = def
	return s.writeDefinitions(defs)
}

// DeleteDefinition removes a definition. Residual state is left to the caller.
func (s *FileStore) DeleteDefinition(ctx context.Context, ownerID, slug string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	defs, err := s.readDefinitions()
	if err != nil {
		return err
	}
	i := indexOf(defs, ownerID, slug)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobKey(ownerID, slug))
	}

	defs = append(defs[:i], defs[i+1:]...)
	if err := s.writeDefinitions(defs); err != nil {
		return err
	}

	s.logger.Debug("job definition deleted",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "slug", Value: slug})
	return nil
}

func indexOf(defs []storedDefinition, ownerID, slug string) int {
	for i, d := range defs {
		if d.raw == nil && d.OwnerID == ownerID && d.Slug == slug {
			return i
		}
	}
	return -1
}

// readDefinitions reads the JSONL file. Malformed lines are logged and kept
// verbatim so a rewrite does not lose them.
func (s *FileStore) readDefinitions() ([]storedDefinition, error) {
	path := s.DefinitionsPath()
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []storedDefinition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open definitions file: %w", err)
	}
	defer file.Close()

	var defs []storedDefinition
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var d storedDefinition
		if err := json.Unmarshal(line, &d); err != nil {
			s.logger.Error("failed to unmarshal job definition", err,
				logger.Field{Key: "file", Value: path},
				logger.Field{Key: "line", Value: lineNum})
			defs = append(defs, storedDefinition{raw: append([]byte(nil), line...)})
			continue
		}
		defs = append(defs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan definitions file: %w", err)
	}
	return defs, nil
}

func (s *FileStore) writeDefinitions(defs []storedDefinition) error {
	var buf []byte
	for _, d := range defs {
		if d.raw != nil {
			buf = append(buf, d.raw...)
			buf = append(buf, '\n')
			continue
		}
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", jobKey(d.OwnerID, d.Slug), err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	if err := writeFileAtomic(s.DefinitionsPath(), buf); err != nil {
		s.logger.Error("failed to write definitions file", err,
			logger.Field{Key: "file", Value: s.DefinitionsPath()})
		return err
	}
	return nil
}

func (s *FileStore) readState(ownerID string) (map[string]RunState, error) {
	data, err := os.ReadFile(s.statePath(ownerID))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]RunState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", ownerID, err)
	}

	states := map[string]RunState{}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("failed to parse state for %s: %w", ownerID, err)
	}
	return states, nil
}

// writeFileAtomic writes data to a temporary file, syncs it and renames it
// over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
