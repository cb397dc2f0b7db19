package cron

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/runlog"
)

// HistoryReader pages through recorded runs.
type HistoryReader interface {
	History(ctx context.Context, q runlog.Query) ([]runlog.Entry, int, error)
}

// Patch lists the definition fields to change. Nil fields are kept.
type Patch struct {
	Name           *string
	Enabled        *bool
	Schedule       *Schedule
	Payload        *Payload
	Deliver        *bool
	DeleteAfterRun *bool
}

// Service is the control surface over a scheduler and its store. Every
// mutation runs through Scheduler.Apply, so it is serialized with batches and
// followed by a reload.
type Service struct {
	scheduler *Scheduler
	store     Store
	history   HistoryReader
	logger    *logger.Logger
	now       func() time.Time
}

// NewService creates a control service. history may be nil.
func NewService(scheduler *Scheduler, store Store, history HistoryReader, log *logger.Logger) *Service {
	return &Service{
		scheduler: scheduler,
		store:     store,
		history:   history,
		logger:    log,
		now:       scheduler.opts.Now,
	}
}

// Add creates a job. An every schedule without an anchor is pinned to the
// creation instant so the job keeps a stable grid.
func (s *Service) Add(ctx context.Context, ownerID, slug string, def Definition) (Job, error) {
	if err := validateIdentity(ownerID, slug); err != nil {
		return Job{}, err
	}
	now := s.now()
	def.Schedule = pinAnchor(def.Schedule, now)
	if err := ValidateDefinition(def); err != nil {
		return Job{}, err
	}

	err := s.scheduler.Apply(ctx, func(ctx context.Context) error {
		if err := s.store.CreateDefinition(ctx, ownerID, slug, def); err != nil {
			return err
		}
		var next *time.Time
		if def.Enabled {
			if t, ok := NextOccurrence(def.Schedule, now); ok {
				next = &t
			}
		}
		return s.resetState(ctx, ownerID, slug, func(st *RunState) {
			*st = RunState{NextRunAt: next}
		})
	})
	if err != nil {
		return Job{}, err
	}

	s.logger.Info("cron job added",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "slug", Value: slug},
		logger.Field{Key: "kind", Value: def.Schedule.Kind})
	return s.Get(ownerID, slug)
}

// Update applies p to an existing job. Changing the schedule or enablement
// recomputes next_run_at, or clears it when the job ends up disabled.
func (s *Service) Update(ctx context.Context, ownerID, slug string, p Patch) (Job, error) {
	now := s.now()
	err := s.scheduler.Apply(ctx, func(ctx context.Context) error {
		current, err := s.loadOne(ctx, ownerID, slug)
		if err != nil {
			return err
		}

		def, reschedule := applyPatch(current.Definition, p)
		def.Schedule = pinAnchor(def.Schedule, now)
		if err := ValidateDefinition(def); err != nil {
			return err
		}
		if err := s.store.UpdateDefinition(ctx, ownerID, slug, def); err != nil {
			return err
		}
		if !reschedule {
			return nil
		}
		return s.resetState(ctx, ownerID, slug, func(st *RunState) {
			st.NextRunAt = nil
			if def.Enabled {
				if t, ok := NextOccurrence(def.Schedule, now); ok {
					st.NextRunAt = &t
				}
			}
		})
	})
	if err != nil {
		return Job{}, err
	}

	s.logger.Info("cron job updated",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "slug", Value: slug})
	return s.Get(ownerID, slug)
}

// Remove deletes a job together with its persisted state.
func (s *Service) Remove(ctx context.Context, ownerID, slug string) error {
	err := s.scheduler.Apply(ctx, func(ctx context.Context) error {
		if err := s.store.DeleteDefinition(ctx, ownerID, slug); err != nil {
			return err
		}
		states, err := s.store.LoadState(ctx, ownerID)
		if err != nil {
			return err
		}
		if _, ok := states[slug]; !ok {
			return nil
		}
		delete(states, slug)
		return s.store.SaveState(ctx, ownerID, states)
	})
	if err != nil {
		return err
	}

	s.logger.Info("cron job removed",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "slug", Value: slug})
	return nil
}

// RunNow executes a job outside the timer. See Scheduler.RunNow.
func (s *Service) RunNow(ctx context.Context, ownerID, slug string, mode RunMode) (RunResult, error) {
	switch mode {
	case "":
		mode = RunModeDue
	case RunModeDue, RunModeForce:
	default:
		return RunResult{}, fmt.Errorf("unknown run mode %q", mode)
	}
	return s.scheduler.RunNow(ctx, ownerID, slug, mode)
}

// List returns the jobs of ownerID, or of every owner when ownerID is empty,
// sorted by owner then slug.
func (s *Service) List(ownerID string) []Job {
	all := s.scheduler.Snapshot()
	jobs := make([]Job, 0, len(all))
	for _, j := range all {
		if ownerID == "" || j.OwnerID == ownerID {
			jobs = append(jobs, j)
		}
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].OwnerID != jobs[b].OwnerID {
			return jobs[a].OwnerID < jobs[b].OwnerID
		}
		return jobs[a].Slug < jobs[b].Slug
	})
	return jobs
}

// Get returns one job.
func (s *Service) Get(ownerID, slug string) (Job, error) {
	j, ok := s.scheduler.Get(ownerID, slug)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobKey(ownerID, slug))
	}
	return j, nil
}

// History pages through recorded runs, most recent first.
func (s *Service) History(ctx context.Context, q runlog.Query) ([]runlog.Entry, int, error) {
	if s.history == nil {
		return nil, 0, fmt.Errorf("run history is not configured")
	}
	return s.history.History(ctx, q)
}

func (s *Service) loadOne(ctx context.Context, ownerID, slug string) (Job, error) {
	jobs, err := s.store.LoadAll(ctx)
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.OwnerID == ownerID && j.Slug == slug {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobKey(ownerID, slug))
}

func (s *Service) resetState(ctx context.Context, ownerID, slug string, fn func(*RunState)) error {
	states, err := s.store.LoadState(ctx, ownerID)
	if err != nil {
		return err
	}
	st := states[slug]
	fn(&st)
	states[slug] = st
	return s.store.SaveState(ctx, ownerID, states)
}

// applyPatch returns the patched definition and whether next_run_at must be
// recomputed.
func applyPatch(def Definition, p Patch) (Definition, bool) {
	reschedule := false
	if p.Name != nil {
		def.Name = *p.Name
	}
	if p.Enabled != nil && *p.Enabled != def.Enabled {
		def.Enabled = *p.Enabled
		reschedule = true
	}
	if p.Schedule != nil {
		def.Schedule = *p.Schedule
		reschedule = true
	}
	if p.Payload != nil {
		deliver := def.Payload.Deliver
		def.Payload = *p.Payload
		if def.Payload.Deliver == nil {
			def.Payload.Deliver = deliver
		}
	}
	if p.Deliver != nil {
		def.Payload.Deliver = BoolPtr(*p.Deliver)
	}
	if p.DeleteAfterRun != nil {
		def.DeleteAfterRun = BoolPtr(*p.DeleteAfterRun)
	}
	if p.Schedule != nil && p.DeleteAfterRun == nil && def.Schedule.Kind != ScheduleAt {
		def.DeleteAfterRun = nil
	}
	return def, reschedule
}

func pinAnchor(s Schedule, now time.Time) Schedule {
	if s.Kind == ScheduleEvery && s.AnchorMs == nil {
		ms := now.UnixMilli()
		s.AnchorMs = &ms
	}
	return s
}
