// Package watch reloads the scheduler when another process edits the job
// definitions file.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aatumaykin/nexcron/internal/logger"
)

// DefaultDebounce collapses the burst of events produced by one rewrite.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc is called after the watched file settled.
type ReloadFunc func(ctx context.Context) error

// Watcher watches one file through its parent directory, so atomic
// replacements by rename are seen as well.
type Watcher struct {
	path     string
	debounce time.Duration
	reload   ReloadFunc
	logger   *logger.Logger

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	ctx   context.Context

	done chan struct{}
}

// New creates a watcher for path. The parent directory is created when
// missing.
func New(path string, debounce time.Duration, reload ReloadFunc, log *logger.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create watched directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		reload:   reload,
		logger:   log,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the event loop until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	go w.loop(ctx)
}

// Close stops watching and cancels a pending reload.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	<-w.doneOrClosed()
	return err
}

func (w *Watcher) doneOrClosed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		// Never started.
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Debug("jobs file changed",
				logger.Field{Key: "file", Value: event.Name},
				logger.Field{Key: "op", Value: event.Op.String()})
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("jobs watcher error", logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// scheduleReload restarts the debounce window.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	ctx := w.ctx
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx); err != nil {
			w.logger.ErrorCtx(ctx, "reload after jobs file change failed", err)
			return
		}
		w.logger.InfoCtx(ctx, "jobs reloaded after file change")
	})
}
