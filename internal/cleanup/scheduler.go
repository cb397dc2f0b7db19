package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
)

// ActiveFunc returns the "owner/slug" keys of the jobs that currently exist.
type ActiveFunc func() map[string]bool

// Scheduler runs cleanup periodically.
type Scheduler struct {
	runner   *Runner
	dir      string
	interval time.Duration
	active   ActiveFunc
	logger   *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new cleanup scheduler.
func NewScheduler(runner *Runner, dir string, interval time.Duration, active ActiveFunc, log *logger.Logger) *Scheduler {
	return &Scheduler{
		runner:   runner,
		dir:      dir,
		interval: interval,
		active:   active,
		logger:   log,
	}
}

// Start runs a cleanup right away and then every interval until ctx is done
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("transcript cleanup started",
		logger.Field{Key: "interval", Value: s.interval.String()})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Trigger()
		for {
			select {
			case <-ticker.C:
				s.Trigger()
			case <-ctx.Done():
				s.logger.Debug("transcript cleanup stopped")
				return
			}
		}
	}()
}

// Stop stops the scheduler and waits for a running cleanup.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Trigger runs one cleanup now.
func (s *Scheduler) Trigger() Stats {
	stats, err := s.runner.Run(s.dir, s.active(), s.logger)
	if err != nil {
		s.logger.Error("transcript cleanup failed", err)
		return stats
	}

	if stats.TranscriptsTrimmed > 0 || stats.TranscriptsDeleted > 0 {
		s.logger.Info("transcript cleanup completed",
			logger.Field{Key: "trimmed", Value: stats.TranscriptsTrimmed},
			logger.Field{Key: "deleted", Value: stats.TranscriptsDeleted},
			logger.Field{Key: "messages_dropped", Value: stats.MessagesDropped},
			logger.Field{Key: "bytes_freed", Value: stats.BytesFreed},
			logger.Field{Key: "duration_ms", Value: stats.Duration.Milliseconds()})
	} else {
		s.logger.Debug("transcript cleanup completed: nothing to do")
	}
	return stats
}
