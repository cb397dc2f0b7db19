package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, store Store, runner JobRunner, clock *fakeClock, observers ...Observer) *Scheduler {
	t.Helper()
	return NewScheduler(store, runner, testLogger(), Options{Now: clock.Now, Observers: observers})
}

func TestScheduler_LoadNormalizesState(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()

	stuck := everyJob("main", "stuck", time.Hour, timePtr(t0.Add(-3*time.Hour)))
	stuck.State.RunningAt = timePtr(t0.Add(-3 * time.Hour))
	recent := everyJob("main", "recent", time.Hour, timePtr(t0.Add(time.Minute)))
	recent.State.RunningAt = timePtr(t0.Add(-10 * time.Minute))
	fresh := everyJob("main", "fresh", time.Hour, nil)
	disabled := everyJob("ops", "off", time.Hour, timePtr(t0))
	disabled.Definition.Enabled = false

	for _, j := range []Job{stuck, recent, fresh, disabled} {
		store.put(j)
	}

	var loaded JobsLoadedEvent
	s := newTestScheduler(t, store, &fakeRunner{}, clock, ObserverFuncs{OnLoaded: func(e JobsLoadedEvent) { loaded = e }})
	require.NoError(t, s.Load(context.Background()))

	jobs := s.Snapshot()
	require.Len(t, jobs, 4)

	assert.Nil(t, jobs[0].State.RunningAt)
	assert.Equal(t, StatusError, jobs[0].State.LastStatus)
	assert.Equal(t, StuckClearedError, jobs[0].State.LastError)

	assert.NotNil(t, jobs[1].State.RunningAt, "a run younger than the threshold is left alone")

	require.NotNil(t, jobs[2].State.NextRunAt)
	assert.True(t, jobs[2].State.NextRunAt.Equal(t0.Add(time.Hour)))

	assert.Nil(t, jobs[3].State.NextRunAt)

	assert.Equal(t, JobsLoadedEvent{Total: 4, Enabled: 3, Healed: 1}, loaded)
}

func TestScheduler_DueJobsExcludesRunning(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()

	due := everyJob("main", "due", time.Minute, timePtr(t0.Add(-time.Minute)))
	running := everyJob("main", "running", time.Minute, timePtr(t0.Add(-24*time.Hour)))
	running.State.RunningAt = timePtr(t0.Add(-time.Minute))
	later := everyJob("main", "later", time.Minute, timePtr(t0.Add(time.Second)))
	exact := everyJob("main", "exact", time.Minute, timePtr(t0))
	for _, j := range []Job{due, running, later, exact} {
		store.put(j)
	}

	s := newTestScheduler(t, store, &fakeRunner{}, clock)
	require.NoError(t, s.Load(context.Background()))

	var slugs []string
	for _, j := range s.DueJobs(t0) {
		slugs = append(slugs, j.Slug)
	}
	assert.Equal(t, []string{"due", "exact"}, slugs)
}

func TestScheduler_RunDueBatchSuccess(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	job := everyJob("main", "digest", 10*time.Minute, timePtr(t0))
	job.State.ConsecutiveErrors = 3
	store.put(job)
	store.put(everyJob("main", "later", time.Hour, timePtr(t0.Add(time.Hour))))

	runner := &fakeRunner{
		outcomes: []Outcome{{Status: StatusOK, Summary: "done", Duration: 2 * time.Second}},
		onRun:    func(Job) { clock.Advance(2 * time.Second) },
	}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	assert.Equal(t, []string{"digest"}, runner.slugs())

	got, ok := s.Get("main", "digest")
	require.True(t, ok)
	assert.Equal(t, StatusOK, got.State.LastStatus)
	assert.Zero(t, got.State.ConsecutiveErrors)
	assert.Nil(t, got.State.RunningAt)
	assert.True(t, got.State.LastRunAt.Equal(t0))
	assert.Equal(t, int64(2000), *got.State.LastDurationMs)
	require.NotNil(t, got.State.NextRunAt)
	assert.True(t, got.State.NextRunAt.Equal(t0.Add(2*time.Second+10*time.Minute)),
		"unanchored every recomputes from completion: %s", got.State.NextRunAt)

	persisted := store.state("main", "digest")
	assert.Equal(t, StatusOK, persisted.LastStatus)
	assert.True(t, persisted.NextRunAt.Equal(*got.State.NextRunAt))
}

func TestScheduler_RunningFlagVisibleDuringExecution(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "digest", time.Minute, timePtr(t0)))

	var s *Scheduler
	var during Job
	runner := &fakeRunner{onRun: func(Job) {
		during, _ = s.Get("main", "digest")
	}}
	s = newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	require.NotNil(t, during.State.RunningAt)
	assert.True(t, during.State.RunningAt.Equal(t0))
	assert.Empty(t, s.DueJobs(t0.Add(30*time.Second)))
}

func TestScheduler_BackoffAndRecovery(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	anchor := t0.Add(-time.Hour)
	job := everyJob("main", "flaky", 2*time.Hour, timePtr(t0))
	job.Definition.Schedule = AnchoredEverySchedule(2*time.Hour, anchor)
	store.put(job)

	runner := &fakeRunner{outcomes: []Outcome{
		failOutcome("first"),
		failOutcome("second"),
		failOutcome("third"),
		{Status: StatusOK, Summary: "recovered"},
	}}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	ctx := context.Background()

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute}
	for i, want := range wantDelays {
		now := clock.Now()
		require.NoError(t, s.RunDueBatch(ctx, now))

		got, _ := s.Get("main", "flaky")
		assert.Equal(t, i+1, got.State.ConsecutiveErrors)
		assert.Equal(t, StatusError, got.State.LastStatus)
		require.NotNil(t, got.State.NextRunAt)
		assert.Equal(t, want, got.State.NextRunAt.Sub(now), "failure %d", i+1)

		clock.Set(*got.State.NextRunAt)
	}

	require.NoError(t, s.RunDueBatch(ctx, clock.Now()))
	got, _ := s.Get("main", "flaky")
	assert.Zero(t, got.State.ConsecutiveErrors)
	assert.Equal(t, StatusOK, got.State.LastStatus)
	assert.Empty(t, got.State.LastError)
	require.NotNil(t, got.State.NextRunAt)
	assert.True(t, got.State.NextRunAt.Equal(anchor.Add(2*time.Hour)), "schedule-derived next run restored")
	assert.Equal(t, 4, runner.callCount())
}

func TestScheduler_SkippedKeepsErrorCounter(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	job := everyJob("main", "maybe", time.Hour, timePtr(t0))
	job.State.ConsecutiveErrors = 2
	store.put(job)

	runner := &fakeRunner{outcomes: []Outcome{{Status: StatusSkipped}}}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	got, _ := s.Get("main", "maybe")
	assert.Equal(t, StatusSkipped, got.State.LastStatus)
	assert.Equal(t, 2, got.State.ConsecutiveErrors)
	assert.True(t, got.State.NextRunAt.Equal(t0.Add(time.Hour)))
}

func TestScheduler_OneShotRetirement(t *testing.T) {
	tests := []struct {
		name        string
		deleteAfter *bool
		outcome     Outcome
		wantEnabled bool
		wantNext    bool
	}{
		{name: "retires on success", outcome: Outcome{Status: StatusOK}, wantEnabled: false},
		{name: "kept when opted out", deleteAfter: BoolPtr(false), outcome: Outcome{Status: StatusOK}, wantEnabled: true},
		{name: "failure retries", outcome: failOutcome("nope"), wantEnabled: true, wantNext: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(t0)
			store := newMemStore()
			store.put(Job{
				OwnerID: "main",
				Slug:    "reminder",
				Definition: Definition{
					Schedule:       AtSchedule(t0),
					Enabled:        true,
					Payload:        Payload{Kind: PayloadAgentTurn, Message: "Call mom"},
					DeleteAfterRun: tt.deleteAfter,
				},
				State: RunState{NextRunAt: timePtr(t0)},
			})

			s := newTestScheduler(t, store, &fakeRunner{outcomes: []Outcome{tt.outcome}}, clock)
			require.NoError(t, s.Load(context.Background()))
			require.NoError(t, s.RunDueBatch(context.Background(), t0))

			got, _ := s.Get("main", "reminder")
			assert.Equal(t, tt.wantEnabled, got.Definition.Enabled)
			assert.Equal(t, tt.wantNext, got.State.NextRunAt != nil)

			def, ok := store.definition("main", "reminder")
			require.True(t, ok)
			assert.Equal(t, tt.wantEnabled, def.Enabled, "retirement is persisted")
		})
	}
}

func TestScheduler_BatchRunsSequentiallyInListOrder(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	for _, slug := range []string{"c", "a", "b"} {
		store.put(everyJob("main", slug, time.Hour, timePtr(t0.Add(-time.Minute))))
	}

	var mu sync.Mutex
	active, maxActive := 0, 0
	runner := &fakeRunner{onRun: func(Job) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	assert.Equal(t, []string{"c", "a", "b"}, runner.slugs())
	assert.Equal(t, 1, maxActive)
}

func TestScheduler_NextWakeDelay(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	s := newTestScheduler(t, store, &fakeRunner{}, clock)
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, DefaultMaxTimerDelay, s.NextWakeDelay(t0), "empty list waits the maximum")

	store.put(everyJob("main", "soon", time.Hour, timePtr(t0.Add(20*time.Second))))
	store.put(everyJob("main", "far", time.Hour, timePtr(t0.Add(time.Hour))))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 20*time.Second, s.NextWakeDelay(t0))

	overdue := everyJob("main", "overdue", time.Hour, timePtr(t0.Add(-time.Hour)))
	running := everyJob("main", "running", time.Hour, timePtr(t0.Add(-2*time.Hour)))
	running.State.RunningAt = timePtr(t0)
	store2 := newMemStore()
	store2.put(running)
	s2 := newTestScheduler(t, store2, &fakeRunner{}, clock)
	require.NoError(t, s2.Load(context.Background()))
	assert.Equal(t, DefaultMaxTimerDelay, s2.NextWakeDelay(t0), "running jobs do not shorten the delay")

	store2.put(overdue)
	require.NoError(t, s2.Load(context.Background()))
	assert.Zero(t, s2.NextWakeDelay(t0), "overdue clamps to zero")
}

func TestScheduler_StartStop(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "later", time.Hour, nil))
	s := newTestScheduler(t, store, &fakeRunner{}, clock)
	ctx := context.Background()

	assert.ErrorIs(t, s.Stop(ctx), ErrSchedulerNotStarted)

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsStarted())
	assert.Error(t, s.Start(ctx), "second start fails")

	persisted := store.state("main", "later")
	require.NotNil(t, persisted.NextRunAt, "start persists normalized state")
	assert.True(t, persisted.NextRunAt.Equal(t0.Add(time.Hour)))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsStarted())
	assert.ErrorIs(t, s.Stop(ctx), ErrSchedulerNotStarted)
}

func TestScheduler_StartSurfacesPersistenceErrors(t *testing.T) {
	store := newMemStore()
	store.put(everyJob("main", "later", time.Hour, nil))
	store.saveErr = errBoom

	s := newTestScheduler(t, store, &fakeRunner{}, newFakeClock(t0))
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, s.IsStarted())
}

func TestScheduler_TimerFiresDueJobs(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "now", time.Hour, timePtr(t0)))

	finished := make(chan JobFinishedEvent, 1)
	obs := ObserverFuncs{OnFinished: func(e JobFinishedEvent) { finished <- e }}
	s := newTestScheduler(t, store, &fakeRunner{}, clock, obs)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(ctx) }()

	select {
	case e := <-finished:
		assert.Equal(t, "now", e.Slug)
		assert.Equal(t, StatusOK, e.Status)
		require.NotNil(t, e.NextRunAt)
		assert.True(t, e.NextRunAt.Equal(t0.Add(time.Hour)))
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not run the due job")
	}

	require.Eventually(t, func() bool {
		return store.state("main", "now").LastStatus == StatusOK
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ReloadPicksUpNewJobs(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	runner := &fakeRunner{}
	s := newTestScheduler(t, store, runner, clock)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(ctx) }()
	assert.Empty(t, s.Snapshot())

	store.put(everyJob("main", "added", time.Hour, timePtr(t0)))
	require.NoError(t, s.Reload(ctx))

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SnapshotIsDeepCopy(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "daily", time.Hour, timePtr(t0.Add(time.Hour))))
	s := newTestScheduler(t, store, &fakeRunner{}, clock)
	require.NoError(t, s.Load(context.Background()))

	snap := s.Snapshot()
	*snap[0].State.NextRunAt = t0.Add(-time.Hour)
	snap[0].Definition.Enabled = false

	got, _ := s.Get("main", "daily")
	assert.True(t, got.State.NextRunAt.Equal(t0.Add(time.Hour)))
	assert.True(t, got.Definition.Enabled)
}

func TestScheduler_RunNowModes(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	disabled := everyJob("main", "off", time.Hour, nil)
	disabled.Definition.Enabled = false
	store.put(disabled)
	store.put(everyJob("main", "later", time.Hour, timePtr(t0.Add(time.Hour))))
	running := everyJob("main", "busy", time.Hour, timePtr(t0))
	running.State.RunningAt = timePtr(t0.Add(-time.Minute))
	store.put(running)
	store.put(everyJob("main", "due", time.Hour, timePtr(t0)))

	runner := &fakeRunner{}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	ctx := context.Background()

	for slug, reason := range map[string]string{"off": "disabled", "later": "not due", "busy": "already running"} {
		res, err := s.RunNow(ctx, "main", slug, RunModeDue)
		require.NoError(t, err)
		assert.False(t, res.Ran, slug)
		assert.Equal(t, reason, res.Reason, slug)
	}
	assert.Zero(t, runner.callCount(), "declined runs have no side effects")

	res, err := s.RunNow(ctx, "main", "due", RunModeDue)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, StatusOK, res.Outcome.Status)

	res, err = s.RunNow(ctx, "main", "off", RunModeForce)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, StatusOK, res.Job.State.LastStatus)
	assert.Nil(t, res.Job.State.NextRunAt, "forced run keeps a disabled job unscheduled")
	assert.False(t, res.Job.Definition.Enabled)
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, StatusOK, store.state("main", "off").LastStatus)

	_, err = s.RunNow(ctx, "main", "missing", RunModeForce)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScheduler_ObserverEvents(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "daily", time.Hour, timePtr(t0)))

	var started []JobStartedEvent
	var finished []JobFinishedEvent
	obs := ObserverFuncs{
		OnStarted:  func(e JobStartedEvent) { started = append(started, e) },
		OnFinished: func(e JobFinishedEvent) { finished = append(finished, e) },
	}
	runner := &fakeRunner{outcomes: []Outcome{{Status: StatusError, Error: "bad", Duration: time.Second}}}
	s := newTestScheduler(t, store, runner, clock, obs)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	require.Len(t, started, 1)
	assert.Equal(t, JobStartedEvent{OwnerID: "main", Slug: "daily", At: t0}, started[0])
	require.Len(t, finished, 1)
	assert.Equal(t, StatusError, finished[0].Status)
	assert.Equal(t, "bad", finished[0].Error)
	assert.Equal(t, time.Second, finished[0].Duration)
	assert.True(t, finished[0].NextRunAt.Equal(t0.Add(30*time.Second)))
}

func TestScheduler_RunnerPanicBecomesError(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "daily", time.Hour, timePtr(t0)))

	runner := &fakeRunner{onRun: func(Job) { panic("kaboom") }}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	got, _ := s.Get("main", "daily")
	assert.Equal(t, StatusError, got.State.LastStatus)
	assert.Equal(t, "panic: kaboom", got.State.LastError)
	assert.Nil(t, got.State.RunningAt)
}

func TestScheduler_HeartbeatThroughExecutor(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	job := heartbeatJob("main")
	job.State = RunState{NextRunAt: timePtr(t0), ConsecutiveErrors: 4}
	store.put(job)

	runs := &memRunLog{}
	exec := NewExecutor(ExecutorConfig{}, testLogger(), &fakeWake{}, nil, runs, nil)
	s := newTestScheduler(t, store, exec, clock)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.RunDueBatch(context.Background(), t0))

	got, _ := s.Get("main", "heartbeat")
	assert.Equal(t, StatusOK, got.State.LastStatus)
	assert.Zero(t, got.State.ConsecutiveErrors)

	entries := runs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, HeartbeatSummary, entries[0].Summary)
}

func TestScheduler_AgentTurnTimeoutBacksOff(t *testing.T) {
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(turnJob("main", "slow", "never finishes"))

	turns := &scriptedTurns{block: true, release: make(chan struct{})}
	defer close(turns.release)
	runs := &memRunLog{}
	exec := NewExecutor(ExecutorConfig{TurnTimeout: 30 * time.Millisecond}, testLogger(), nil, turns, runs, nil)

	s := newTestScheduler(t, store, exec, clock)
	require.NoError(t, s.Load(context.Background()))
	_, err := s.RunNow(context.Background(), "main", "slow", RunModeForce)
	require.NoError(t, err)

	got, _ := s.Get("main", "slow")
	assert.Equal(t, StatusError, got.State.LastStatus)
	assert.Equal(t, TimeoutReason, got.State.LastError)
	assert.Equal(t, 1, got.State.ConsecutiveErrors)
	require.NotNil(t, got.State.NextRunAt)
	assert.Equal(t, 30*time.Second, got.State.NextRunAt.Sub(t0))

	entries := runs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, TimeoutReason, entries[0].Error)
	assert.Equal(t, int64(1), exec.Detached())
}

func TestScheduler_RunningMarkerPersistedBeforeRun(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	store := newMemStore()
	store.put(everyJob("main", "digest", time.Hour, timePtr(t0)))

	var during RunState
	runner := &fakeRunner{onRun: func(Job) { during = store.state("main", "digest") }}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.RunDueBatch(ctx, t0))

	require.NotNil(t, during.RunningAt, "marker is on disk while the job runs")
	assert.True(t, during.RunningAt.Equal(t0))

	// A crash mid-run leaves the marker behind; a start hours later heals it.
	crashed := newMemStore()
	job := everyJob("main", "digest", time.Hour, nil)
	job.State = during
	crashed.put(job)

	restarted := newTestScheduler(t, crashed, &fakeRunner{}, newFakeClock(t0.Add(3*time.Hour)))
	require.NoError(t, restarted.Load(ctx))
	got, ok := restarted.Get("main", "digest")
	require.True(t, ok)
	assert.Nil(t, got.State.RunningAt)
	assert.Equal(t, StatusError, got.State.LastStatus)
	assert.Equal(t, StuckClearedError, got.State.LastError)
}

func TestScheduler_SecondSchedulerSeesRunningJob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock(t0)

	seed := NewFileStore(dir, testLogger())
	require.NoError(t, seed.CreateDefinition(ctx, "main", "digest", everyJob("main", "digest", time.Hour, nil).Definition))
	require.NoError(t, seed.SaveState(ctx, "main", map[string]RunState{"digest": {NextRunAt: timePtr(t0)}}))

	var (
		other    RunResult
		otherErr error
	)
	runner := &fakeRunner{onRun: func(Job) {
		cli := newTestScheduler(t, NewFileStore(dir, testLogger()), &fakeRunner{}, clock)
		if otherErr = cli.Load(ctx); otherErr != nil {
			return
		}
		other, otherErr = cli.RunNow(ctx, "main", "digest", RunModeDue)
	}}
	serve := newTestScheduler(t, NewFileStore(dir, testLogger()), runner, clock)
	require.NoError(t, serve.Load(ctx))

	res, err := serve.RunNow(ctx, "main", "digest", RunModeDue)
	require.NoError(t, err)
	assert.True(t, res.Ran)

	require.NoError(t, otherErr)
	assert.False(t, other.Ran)
	assert.Equal(t, "already running", other.Reason)
	assert.Equal(t, 1, runner.callCount())
}

func TestScheduler_AdoptsRunsPersistedElsewhere(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock(t0)

	seed := NewFileStore(dir, testLogger())
	for _, slug := range []string{"a", "b"} {
		require.NoError(t, seed.CreateDefinition(ctx, "main", slug, everyJob("main", slug, time.Hour, nil).Definition))
	}
	require.NoError(t, seed.SaveState(ctx, "main", map[string]RunState{
		"a": {NextRunAt: timePtr(t0)},
		"b": {NextRunAt: timePtr(t0)},
	}))

	serveRunner := &fakeRunner{}
	serve := newTestScheduler(t, NewFileStore(dir, testLogger()), serveRunner, clock)
	require.NoError(t, serve.Load(ctx))

	cliRunner := &fakeRunner{outcomes: []Outcome{{Status: StatusOK, Summary: "from cli"}}}
	cli := newTestScheduler(t, NewFileStore(dir, testLogger()), cliRunner, clock)
	require.NoError(t, cli.Load(ctx))
	res, err := cli.RunNow(ctx, "main", "b", RunModeDue)
	require.NoError(t, err)
	require.True(t, res.Ran)

	require.NoError(t, serve.RunDueBatch(ctx, t0))
	assert.Equal(t, []string{"a"}, serveRunner.slugs(), "a job run elsewhere is not run twice")

	got, _ := serve.Get("main", "b")
	assert.Equal(t, StatusOK, got.State.LastStatus)
	require.NotNil(t, got.State.LastRunAt)
	assert.True(t, got.State.LastRunAt.Equal(t0))

	states, err := seed.LoadState(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, states["b"].LastRunAt, "the other run survives the next save")
	assert.True(t, states["b"].NextRunAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, StatusOK, states["a"].LastStatus)
}

// blockingRunner runs until its context is cancelled.
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRunner) Execute(ctx context.Context, job Job) Outcome {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return Outcome{Status: StatusError, Error: ctx.Err().Error()}
}

func TestScheduler_StopInterruptsRunWithoutBackoff(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(t0)
	store := newMemStore()
	job := everyJob("main", "slow", time.Hour, timePtr(t0))
	job.State.ConsecutiveErrors = 1
	store.put(job)

	runner := &blockingRunner{started: make(chan struct{})}
	s := newTestScheduler(t, store, runner, clock)
	require.NoError(t, s.Start(ctx))

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not start the job")
	}
	require.NoError(t, s.Stop(ctx))

	persisted := store.state("main", "slow")
	assert.Nil(t, persisted.RunningAt)
	assert.Equal(t, StatusSkipped, persisted.LastStatus)
	assert.Equal(t, InterruptedReason, persisted.LastError)
	assert.Equal(t, 1, persisted.ConsecutiveErrors, "shutdown does not count as a failure")
	require.NotNil(t, persisted.NextRunAt)
	assert.True(t, persisted.NextRunAt.Equal(t0), "the job stays due for the next start")
}
