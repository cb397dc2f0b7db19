package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/runlog"
)

func testLogger() *logger.Logger {
	return logger.Discard()
}

// fakeClock is a settable clock for scheduler options.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store preserving insertion order.
type memStore struct {
	mu      sync.Mutex
	defs    []storedDefinition
	states  map[string]map[string]RunState
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{states: map[string]map[string]RunState{}}
}

func (m *memStore) put(j Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = append(m.defs, storedDefinition{OwnerID: j.OwnerID, Slug: j.Slug, Definition: j.Definition})
	if m.states[j.OwnerID] == nil {
		m.states[j.OwnerID] = map[string]RunState{}
	}
	m.states[j.OwnerID][j.Slug] = j.State.Clone()
}

func (m *memStore) state(ownerID, slug string) RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[ownerID][slug].Clone()
}

func (m *memStore) definition(ownerID, slug string) (Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := indexOf(m.defs, ownerID, slug); i >= 0 {
		return m.defs[i].Definition, true
	}
	return Definition{}, false
}

func (m *memStore) LoadAll(ctx context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.defs))
	for _, d := range m.defs {
		j := Job{OwnerID: d.OwnerID, Slug: d.Slug, Definition: d.Definition, State: m.states[d.OwnerID][d.Slug]}
		jobs = append(jobs, j.Clone())
	}
	return jobs, nil
}

func (m *memStore) LoadState(ctx context.Context, ownerID string) (map[string]RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]RunState{}
	for k, v := range m.states[ownerID] {
		out[k] = v.Clone()
	}
	return out, nil
}

func (m *memStore) SaveState(ctx context.Context, ownerID string, states map[string]RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	cp := map[string]RunState{}
	for k, v := range states {
		cp[k] = v.Clone()
	}
	m.states[ownerID] = cp
	return nil
}

func (m *memStore) CreateDefinition(ctx context.Context, ownerID, slug string, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if indexOf(m.defs, ownerID, slug) >= 0 {
		return ErrJobExists
	}
	m.defs = append(m.defs, storedDefinition{OwnerID: ownerID, Slug: slug, Definition: def})
	return nil
}

func (m *memStore) UpdateDefinition(ctx context.Context, ownerID, slug string, def Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := indexOf(m.defs, ownerID, slug)
	if i < 0 {
		return ErrJobNotFound
	}
	m.defs[i].Definition = def
	return nil
}

func (m *memStore) DeleteDefinition(ctx context.Context, ownerID, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := indexOf(m.defs, ownerID, slug)
	if i < 0 {
		return ErrJobNotFound
	}
	m.defs = append(m.defs[:i], m.defs[i+1:]...)
	return nil
}

// fakeRunner returns queued outcomes, then okOutcome.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    []Job
	onRun    func(Job)
}

func (r *fakeRunner) Execute(ctx context.Context, job Job) Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, job)
	var out Outcome
	if len(r.outcomes) > 0 {
		out = r.outcomes[0]
		r.outcomes = r.outcomes[1:]
	} else {
		out = Outcome{Status: StatusOK, Summary: "done"}
	}
	hook := r.onRun
	r.mu.Unlock()
	if hook != nil {
		hook(job)
	}
	return out
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, j := range r.calls {
		out = append(out, j.Slug)
	}
	return out
}

func failOutcome(msg string) Outcome {
	return Outcome{Status: StatusError, Error: msg}
}

// fakeWake records heartbeat wakes.
type fakeWake struct {
	mu     sync.Mutex
	owners []string
	err    error
	panic  bool
}

func (w *fakeWake) TriggerPeriodicWake(ctx context.Context, ownerID string) error {
	if w.panic {
		panic("wake exploded")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owners = append(w.owners, ownerID)
	return w.err
}

// scriptedTurns emits the given events on each RunTurn call.
type scriptedTurns struct {
	mu      sync.Mutex
	prompts []string
	opts    []TurnOptions
	events  []TurnEvent
	err     error
	// block, when set, holds the stream open until release is closed.
	block   bool
	release chan struct{}
}

func (s *scriptedTurns) RunTurn(ctx context.Context, prompt string, opts TurnOptions) (<-chan TurnEvent, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	ch := make(chan TurnEvent)
	go func() {
		defer close(ch)
		if s.block {
			<-s.release
		}
		for _, ev := range s.events {
			ch <- ev
		}
	}()
	return ch, nil
}

// memRunLog collects recorded entries.
type memRunLog struct {
	mu      sync.Mutex
	entries []runlog.Entry
	err     error
}

func (l *memRunLog) Record(ctx context.Context, e runlog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.err
}

func (l *memRunLog) all() []runlog.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]runlog.Entry(nil), l.entries...)
}

func (l *memRunLog) History(ctx context.Context, q runlog.Query) ([]runlog.Entry, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []runlog.Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if q.Slug != "" && e.Slug != q.Slug {
			continue
		}
		if q.OwnerID != "" && e.OwnerID != q.OwnerID {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

// recordingDeliverer captures deliveries.
type recordingDeliverer struct {
	mu    sync.Mutex
	texts map[string][]string
	err   error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, ownerID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.texts == nil {
		d.texts = map[string][]string{}
	}
	d.texts[ownerID] = append(d.texts[ownerID], text)
	return d.err
}

func (d *recordingDeliverer) delivered(ownerID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts[ownerID]...)
}

var errBoom = errors.New("boom")

func everyJob(owner, slug string, every time.Duration, next *time.Time) Job {
	return Job{
		OwnerID: owner,
		Slug:    slug,
		Definition: Definition{
			Schedule: EverySchedule(every),
			Enabled:  true,
			Payload:  Payload{Kind: PayloadAgentTurn, Message: "check " + slug},
		},
		State: RunState{NextRunAt: next},
	}
}
