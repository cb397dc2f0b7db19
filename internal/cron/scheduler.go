package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
)

const (
	// DefaultStuckThreshold is how long a job may stay marked running before
	// the next load presumes it crashed.
	DefaultStuckThreshold = 2 * time.Hour
	// DefaultMaxTimerDelay caps the wake timer so the loop re-evaluates
	// periodically even when nothing is due.
	DefaultMaxTimerDelay = time.Minute

	// StuckClearedError is recorded on jobs healed by a load.
	StuckClearedError = "stuck (cleared)"
)

// DefaultBackoff is the retry delay after the Nth consecutive failure,
// holding at the last stage.
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// JobRunner executes one job attempt. *Executor implements it.
type JobRunner interface {
	Execute(ctx context.Context, job Job) Outcome
}

// Options tune a Scheduler. Zero values select the defaults.
type Options struct {
	Now            func() time.Time
	StuckThreshold time.Duration
	MaxTimerDelay  time.Duration
	Backoff        []time.Duration
	Observers      []Observer
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = DefaultStuckThreshold
	}
	if o.MaxTimerDelay <= 0 {
		o.MaxTimerDelay = DefaultMaxTimerDelay
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// RunMode selects how RunNow treats a job that is not due.
type RunMode string

const (
	// RunModeDue runs only an enabled, idle job whose next run has arrived.
	RunModeDue RunMode = "due"
	// RunModeForce runs the job unconditionally.
	RunModeForce RunMode = "force"
)

// RunResult reports what RunNow did.
type RunResult struct {
	Ran     bool
	Reason  string
	Outcome Outcome
	Job     Job
}

// Scheduler owns the in-memory job list and the single wake timer.
//
// Every mutation of the job list (load, batch execution, manual runs and
// control operations) is serialized by opMu, so there is exactly one writer.
// mu only guards the list for concurrent readers such as Snapshot.
type Scheduler struct {
	store  Store
	runner JobRunner
	logger *logger.Logger
	opts   Options

	opMu sync.Mutex
	mu   sync.RWMutex
	jobs []*Job

	timerMu  sync.Mutex
	timer    *time.Timer
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(store Store, runner JobRunner, log *logger.Logger, opts Options) *Scheduler {
	return &Scheduler{
		store:  store,
		runner: runner,
		logger: log,
		opts:   opts.withDefaults(),
	}
}

// Start loads jobs, persists the normalized state and arms the timer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.timerMu.Lock()
	if s.started {
		s.timerMu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.timerMu.Unlock()

	s.opMu.Lock()
	err := s.loadLocked(ctx)
	if err == nil {
		err = s.persistAllLocked(ctx)
	}
	s.opMu.Unlock()
	if err != nil {
		return err
	}

	s.timerMu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.timerMu.Unlock()

	s.armTimer()
	s.logger.Info("cron scheduler started",
		logger.Field{Key: "jobs", Value: s.count()})
	return nil
}

// Stop cancels the timer, waits for a running batch and persists final state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.timerMu.Lock()
	if !s.started {
		s.timerMu.Unlock()
		return ErrSchedulerNotStarted
	}
	s.started = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	s.timerMu.Unlock()

	s.inflight.Wait()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.persistAllLocked(ctx); err != nil {
		return err
	}
	s.logger.Info("cron scheduler stopped")
	return nil
}

// IsStarted reports whether the timer loop is active.
func (s *Scheduler) IsStarted() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.started
}

// Load replaces the in-memory job list from the store.
func (s *Scheduler) Load(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.loadLocked(ctx)
}

// Reload absorbs out-of-band store changes: load, persist, re-arm.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.opMu.Lock()
	err := s.reloadLocked(ctx)
	s.opMu.Unlock()
	if err != nil {
		return err
	}
	s.armTimer()
	return nil
}

// Apply runs fn as the single writer and reloads afterwards. Control
// operations use it so store edits never interleave with a running batch.
func (s *Scheduler) Apply(ctx context.Context, fn func(ctx context.Context) error) error {
	s.opMu.Lock()
	err := fn(ctx)
	if err == nil {
		err = s.reloadLocked(ctx)
	}
	s.opMu.Unlock()
	if err != nil {
		return err
	}
	s.armTimer()
	return nil
}

func (s *Scheduler) reloadLocked(ctx context.Context) error {
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	return s.persistAllLocked(ctx)
}

// loadLocked heals stuck runs and fills in missing next-run times.
func (s *Scheduler) loadLocked(ctx context.Context) error {
	loaded, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}

	now := s.opts.Now()
	jobs := make([]*Job, 0, len(loaded))
	enabled, healed := 0, 0
	for i := range loaded {
		j := loaded[i]

		if s.healStuck(&j, now) {
			healed++
		}

		if !j.Definition.Enabled {
			j.State.NextRunAt = nil
		} else {
			enabled++
			if j.State.NextRunAt == nil {
				if next, ok := NextOccurrence(j.Definition.Schedule, now); ok {
					j.State.NextRunAt = &next
				}
			}
		}
		jobs = append(jobs, &j)
	}

	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()

	s.logger.Debug("cron jobs loaded",
		logger.Field{Key: "total", Value: len(jobs)},
		logger.Field{Key: "enabled", Value: enabled},
		logger.Field{Key: "healed", Value: healed})
	for _, o := range s.opts.Observers {
		o.JobsLoaded(JobsLoadedEvent{Total: len(jobs), Enabled: enabled, Healed: healed})
	}
	return nil
}

// healStuck clears a running marker older than the stuck threshold.
func (s *Scheduler) healStuck(j *Job, now time.Time) bool {
	if j.State.RunningAt == nil || now.Sub(*j.State.RunningAt) <= s.opts.StuckThreshold {
		return false
	}
	s.logger.Warn("clearing stuck job",
		logger.Field{Key: "owner_id", Value: j.OwnerID},
		logger.Field{Key: "slug", Value: j.Slug},
		logger.Field{Key: "running_at", Value: *j.State.RunningAt})
	j.State.RunningAt = nil
	j.State.LastStatus = StatusError
	j.State.LastError = StuckClearedError
	return true
}

// Snapshot returns a deep copy of the job list.
func (s *Scheduler) Snapshot() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// Get returns a copy of one job.
func (s *Scheduler) Get(ownerID, slug string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if j := s.findLocked(ownerID, slug); j != nil {
		return j.Clone(), true
	}
	return Job{}, false
}

// DueJobs returns copies of the jobs due at now, in list order.
func (s *Scheduler) DueJobs(now time.Time) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []Job
	for _, j := range s.jobs {
		if j.IsDue(now) {
			due = append(due, j.Clone())
		}
	}
	return due
}

// RunDueBatch runs every job due at now, one after another.
func (s *Scheduler) RunDueBatch(ctx context.Context, now time.Time) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.runDueBatchLocked(ctx, now)
}

func (s *Scheduler) runDueBatchLocked(ctx context.Context, now time.Time) error {
	s.adoptAllLocked(ctx)
	due := s.dueLocked(now)
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("running due cron jobs", logger.Field{Key: "count", Value: len(due)})

	touched := make(map[string]struct{})
	var retired []*Job
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		s.runJobLocked(ctx, j, now)
		touched[j.OwnerID] = struct{}{}
		if !j.Definition.Enabled && j.Definition.RetiresAfterSuccess() && j.State.LastStatus == StatusOK {
			retired = append(retired, j)
		}
	}

	// Written even when shutdown cut the batch short, so no marker is left.
	return s.persistLocked(context.WithoutCancel(ctx), touched, retired)
}

// dueLocked returns pointers into the live list; the caller holds opMu.
func (s *Scheduler) dueLocked(now time.Time) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Job
	for _, j := range s.jobs {
		if j.IsDue(now) {
			due = append(due, j)
		}
	}
	return due
}

// runJobLocked executes j and applies the outcome to its state.
func (s *Scheduler) runJobLocked(ctx context.Context, j *Job, startedAt time.Time) Outcome {
	s.mu.Lock()
	j.State.RunningAt = timePtr(startedAt)
	snapshot := j.Clone()
	s.mu.Unlock()

	// The running marker must be on disk before the run, or neither a
	// restart nor another process can tell the job is in flight.
	if err := s.saveOwnerLocked(ctx, j.OwnerID, j); err != nil {
		s.logger.Warn("failed to persist running marker",
			logger.Field{Key: "owner_id", Value: j.OwnerID},
			logger.Field{Key: "slug", Value: j.Slug},
			logger.Field{Key: "error", Value: err.Error()})
	}

	s.logger.Info("cron job started",
		logger.Field{Key: "owner_id", Value: j.OwnerID},
		logger.Field{Key: "slug", Value: j.Slug})
	for _, o := range s.opts.Observers {
		o.JobStarted(JobStartedEvent{OwnerID: j.OwnerID, Slug: j.Slug, At: startedAt})
	}

	out := s.execute(ctx, snapshot)
	finished := s.opts.Now()
	interrupted := ctx.Err() != nil && out.Status != StatusOK
	if interrupted {
		out.Status = StatusSkipped
		if out.Error == "" || out.Error == ctx.Err().Error() {
			out.Error = InterruptedReason
		}
	}

	s.mu.Lock()
	if interrupted {
		s.applyInterruptedLocked(j, out, startedAt)
	} else {
		s.applyOutcomeLocked(j, out, startedAt, finished)
	}
	event := JobFinishedEvent{
		OwnerID:   j.OwnerID,
		Slug:      j.Slug,
		Status:    out.Status,
		Duration:  out.Duration,
		NextRunAt: cloneTime(j.State.NextRunAt),
		Error:     out.Error,
		Summary:   out.Summary,
		At:        finished,
	}
	s.mu.Unlock()

	fields := []logger.Field{
		{Key: "owner_id", Value: j.OwnerID},
		{Key: "slug", Value: j.Slug},
		{Key: "status", Value: out.Status},
		{Key: "duration_ms", Value: out.Duration.Milliseconds()},
		{Key: "next_run_at", Value: event.NextRunAt},
	}
	if out.Status == StatusError {
		s.logger.Warn("cron job failed", append(fields,
			logger.Field{Key: "error", Value: out.Error},
			logger.Field{Key: "consecutive_errors", Value: j.State.ConsecutiveErrors})...)
	} else {
		s.logger.Info("cron job finished", fields...)
	}
	for _, o := range s.opts.Observers {
		o.JobFinished(event)
	}
	return out
}

// execute shields the loop from a runner that panics.
func (s *Scheduler) execute(ctx context.Context, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron job panic recovered", fmt.Errorf("panic: %v", r),
				logger.Field{Key: "owner_id", Value: job.OwnerID},
				logger.Field{Key: "slug", Value: job.Slug})
			out = Outcome{Status: StatusError, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return s.runner.Execute(ctx, job)
}

func (s *Scheduler) applyOutcomeLocked(j *Job, out Outcome, startedAt, finished time.Time) {
	st := &j.State
	st.RunningAt = nil
	st.LastRunAt = timePtr(startedAt)
	d := out.Duration.Milliseconds()
	st.LastDurationMs = &d
	st.LastStatus = out.Status
	st.LastError = out.Error

	switch out.Status {
	case StatusOK:
		st.ConsecutiveErrors = 0
		if j.Definition.RetiresAfterSuccess() {
			j.Definition.Enabled = false
			st.NextRunAt = nil
			return
		}
		st.NextRunAt = s.nextFrom(j.Definition.Schedule, finished)
	case StatusError:
		st.ConsecutiveErrors++
		st.NextRunAt = timePtr(finished.Add(BackoffDelay(s.opts.Backoff, st.ConsecutiveErrors)))
	default:
		st.NextRunAt = s.nextFrom(j.Definition.Schedule, finished)
	}

	if !j.Definition.Enabled {
		st.NextRunAt = nil
	}
}

// applyInterruptedLocked records a run cut short by cancellation. The job
// keeps its due time and error counter, so it runs again on the next start.
func (s *Scheduler) applyInterruptedLocked(j *Job, out Outcome, startedAt time.Time) {
	st := &j.State
	st.RunningAt = nil
	st.LastRunAt = timePtr(startedAt)
	d := out.Duration.Milliseconds()
	st.LastDurationMs = &d
	st.LastStatus = out.Status
	st.LastError = out.Error
	if !j.Definition.Enabled {
		st.NextRunAt = nil
	}
}

func (s *Scheduler) nextFrom(sched Schedule, from time.Time) *time.Time {
	if next, ok := NextOccurrence(sched, from); ok {
		return &next
	}
	return nil
}

// BackoffDelay returns the delay after the nth consecutive failure.
func BackoffDelay(table []time.Duration, n int) time.Duration {
	if len(table) == 0 || n <= 0 {
		return 0
	}
	idx := n
	if idx > len(table) {
		idx = len(table)
	}
	return table[idx-1]
}

// RunNow executes one job outside the timer. RunModeDue declines, without
// side effects, a job that is disabled, running or not yet due.
func (s *Scheduler) RunNow(ctx context.Context, ownerID, slug string, mode RunMode) (RunResult, error) {
	s.opMu.Lock()
	res, err := s.runNowLocked(ctx, ownerID, slug, mode)
	s.opMu.Unlock()
	if err == nil && res.Ran {
		s.armTimer()
	}
	return res, err
}

func (s *Scheduler) runNowLocked(ctx context.Context, ownerID, slug string, mode RunMode) (RunResult, error) {
	s.mu.RLock()
	j := s.findLocked(ownerID, slug)
	s.mu.RUnlock()
	if j == nil {
		return RunResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobKey(ownerID, slug))
	}

	// Another process may have started or finished this job since Load.
	if err := s.adoptStoredLocked(ctx, ownerID, nil); err != nil {
		s.logger.Warn("failed to re-read cron state",
			logger.Field{Key: "owner_id", Value: ownerID},
			logger.Field{Key: "error", Value: err.Error()})
	}

	now := s.opts.Now()
	if mode != RunModeForce {
		s.mu.RLock()
		reason := notDueReason(j, now)
		s.mu.RUnlock()
		if reason != "" {
			return RunResult{Ran: false, Reason: reason}, nil
		}
	}

	wasEnabled := j.Definition.Enabled
	out := s.runJobLocked(ctx, j, now)

	var retired []*Job
	if wasEnabled && !j.Definition.Enabled {
		retired = append(retired, j)
	}
	err := s.persistLocked(context.WithoutCancel(ctx), map[string]struct{}{ownerID: {}}, retired)

	s.mu.RLock()
	snapshot := j.Clone()
	s.mu.RUnlock()
	return RunResult{Ran: true, Outcome: out, Job: snapshot}, err
}

func notDueReason(j *Job, now time.Time) string {
	switch {
	case !j.Definition.Enabled:
		return "disabled"
	case j.State.RunningAt != nil:
		return "already running"
	case j.State.NextRunAt == nil || now.Before(*j.State.NextRunAt):
		return "not due"
	}
	return ""
}

func (s *Scheduler) findLocked(ownerID, slug string) *Job {
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && j.Slug == slug {
			return j
		}
	}
	return nil
}

// persistLocked saves the state of every touched owner and writes back the
// definitions of retired one-shot jobs.
func (s *Scheduler) persistLocked(ctx context.Context, owners map[string]struct{}, retired []*Job) error {
	var errs []error
	for _, j := range retired {
		s.mu.RLock()
		def := j.Definition
		s.mu.RUnlock()
		if err := s.store.UpdateDefinition(ctx, j.OwnerID, j.Slug, def); err != nil {
			errs = append(errs, fmt.Errorf("failed to retire %s: %w", j.Key(), err))
			continue
		}
		s.logger.Info("one-shot job retired",
			logger.Field{Key: "owner_id", Value: j.OwnerID},
			logger.Field{Key: "slug", Value: j.Slug})
	}
	for owner := range owners {
		if err := s.saveOwnerLocked(ctx, owner, nil); err != nil {
			errs = append(errs, fmt.Errorf("failed to save state for %s: %w", owner, err))
		}
	}
	return errors.Join(errs...)
}

// saveOwnerLocked folds in runs another process persisted for the owner,
// then writes the owner's state. running is the job this scheduler is
// executing, if any.
func (s *Scheduler) saveOwnerLocked(ctx context.Context, ownerID string, running *Job) error {
	if err := s.adoptStoredLocked(ctx, ownerID, running); err != nil {
		s.logger.Warn("failed to re-read cron state",
			logger.Field{Key: "owner_id", Value: ownerID},
			logger.Field{Key: "error", Value: err.Error()})
	}
	return s.store.SaveState(ctx, ownerID, s.ownerStates(ownerID))
}

func (s *Scheduler) adoptAllLocked(ctx context.Context) {
	s.mu.RLock()
	owners := make(map[string]struct{})
	for _, j := range s.jobs {
		owners[j.OwnerID] = struct{}{}
	}
	s.mu.RUnlock()

	for owner := range owners {
		if err := s.adoptStoredLocked(ctx, owner, nil); err != nil {
			s.logger.Warn("failed to re-read cron state",
				logger.Field{Key: "owner_id", Value: owner},
				logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// adoptStoredLocked takes over persisted state that records a run this
// scheduler has not seen, such as one made by "jobs run" while serve is up.
// It also heals markers that went stuck while the process was running.
func (s *Scheduler) adoptStoredLocked(ctx context.Context, ownerID string, running *Job) error {
	stored, err := s.store.LoadState(ctx, ownerID)
	if err != nil {
		return err
	}

	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.OwnerID != ownerID || j == running {
			continue
		}
		if st, ok := stored[j.Slug]; ok && newerRun(j.State, st) {
			s.logger.Debug("adopting cron state written elsewhere",
				logger.Field{Key: "owner_id", Value: j.OwnerID},
				logger.Field{Key: "slug", Value: j.Slug})
			j.State = st.Clone()
			if !j.Definition.Enabled {
				j.State.NextRunAt = nil
			}
		}
		s.healStuck(j, now)
	}
	return nil
}

// newerRun reports whether stored records a run start or finish that local
// does not know about.
func newerRun(local, stored RunState) bool {
	if local.RunningAt != nil {
		return !sameTime(local.RunningAt, stored.RunningAt) || !sameTime(local.LastRunAt, stored.LastRunAt)
	}
	return later(stored.RunningAt, local.LastRunAt) || later(stored.LastRunAt, local.LastRunAt)
}

func later(t, than *time.Time) bool {
	return t != nil && (than == nil || t.After(*than))
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *Scheduler) persistAllLocked(ctx context.Context) error {
	s.mu.RLock()
	owners := make(map[string]struct{})
	for _, j := range s.jobs {
		owners[j.OwnerID] = struct{}{}
	}
	s.mu.RUnlock()
	return s.persistLocked(ctx, owners, nil)
}

func (s *Scheduler) ownerStates(ownerID string) map[string]RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make(map[string]RunState)
	for _, j := range s.jobs {
		if j.OwnerID == ownerID {
			states[j.Slug] = j.State.Clone()
		}
	}
	return states
}

func (s *Scheduler) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// NextWakeDelay is the timer delay at now: the time until the earliest
// enabled idle job, clamped to [0, MaxTimerDelay]. It scans the whole list,
// which is fine for the few dozen jobs a deployment carries.
func (s *Scheduler) NextWakeDelay(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delay := s.opts.MaxTimerDelay
	for _, j := range s.jobs {
		if !j.Definition.Enabled || j.State.RunningAt != nil || j.State.NextRunAt == nil {
			continue
		}
		if d := j.State.NextRunAt.Sub(now); d < delay {
			delay = d
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// armTimer replaces the outstanding timer, if the scheduler is running.
func (s *Scheduler) armTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if !s.started {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := s.NextWakeDelay(s.opts.Now())
	s.timer = time.AfterFunc(delay, s.onTimerFire)
}

func (s *Scheduler) onTimerFire() {
	s.timerMu.Lock()
	if !s.started {
		s.timerMu.Unlock()
		return
	}
	ctx := s.ctx
	s.inflight.Add(1)
	s.timerMu.Unlock()
	defer s.inflight.Done()

	s.opMu.Lock()
	err := s.runDueBatchLocked(ctx, s.opts.Now())
	s.opMu.Unlock()
	if err != nil {
		s.logger.Error("failed to persist cron state after batch", err)
	}

	s.armTimer()
}
