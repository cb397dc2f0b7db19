package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/runlog"
)

const (
	// DefaultTurnTimeout bounds how long an agent turn may take before the
	// attempt is recorded as a timeout.
	DefaultTurnTimeout = 10 * time.Minute
	// DefaultSummaryMaxRunes is the summary length kept in logs and history.
	DefaultSummaryMaxRunes = 2000
	// DefaultTurnRole is the role reported to the turn runner.
	DefaultTurnRole = "cron"

	// HeartbeatSummary is the summary of every successful heartbeat run.
	HeartbeatSummary = "heartbeat triggered"
	// TimeoutReason is the error recorded when an agent turn times out.
	TimeoutReason = "timeout"
	// InterruptedReason is recorded when shutdown cancels a run.
	InterruptedReason = "interrupted by shutdown"

	deliveryTimeout = 30 * time.Second
	recordTimeout   = 5 * time.Second
)

// WakeTrigger wakes an owner for its periodic check.
type WakeTrigger interface {
	TriggerPeriodicWake(ctx context.Context, ownerID string) error
}

// TurnEventKind tags an event of an agent turn stream.
type TurnEventKind string

const (
	TurnEventDelta  TurnEventKind = "delta"
	TurnEventResult TurnEventKind = "result"
	TurnEventUsage  TurnEventKind = "usage"
	TurnEventError  TurnEventKind = "error"
)

// Usage holds token and cost counters of an agent turn.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TurnEvent is one element of an agent turn stream.
type TurnEvent struct {
	Kind  TurnEventKind
	Text  string // delta text or final result text
	Usage *Usage
	Err   error
}

// TurnOptions are passed to the turn runner with each prompt.
type TurnOptions struct {
	Role    string
	OwnerID string
	Slug    string
}

// TurnRunner runs one agent turn. The returned channel is ordered, consumed
// once, and closed by the runner when the turn ends.
type TurnRunner interface {
	RunTurn(ctx context.Context, prompt string, opts TurnOptions) (<-chan TurnEvent, error)
}

// Deliverer pushes agent turn output to the owner.
type Deliverer interface {
	Deliver(ctx context.Context, ownerID, text string) error
}

// RunLogger appends one history row per attempt.
type RunLogger interface {
	Record(ctx context.Context, e runlog.Entry) error
}

// Outcome is the normalized result of one attempt.
type Outcome struct {
	Status    RunStatus
	Summary   string
	Error     string
	Usage     *Usage
	StartedAt time.Time
	Duration  time.Duration
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	TurnTimeout     time.Duration
	SummaryMaxRunes int
	Role            string
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.SummaryMaxRunes <= 0 {
		c.SummaryMaxRunes = DefaultSummaryMaxRunes
	}
	if c.Role == "" {
		c.Role = DefaultTurnRole
	}
	return c
}

// Executor dispatches a job to the matching work interface and never lets
// a failure escape as anything but an error Outcome.
type Executor struct {
	cfg       ExecutorConfig
	logger    *logger.Logger
	wake      WakeTrigger
	turns     TurnRunner
	runs      RunLogger
	deliverer Deliverer

	detached   atomic.Int64
	deliveries sync.WaitGroup
}

// NewExecutor creates an executor. Any of the collaborators may be nil; a
// job needing a missing one fails with an error outcome.
func NewExecutor(cfg ExecutorConfig, log *logger.Logger, wake WakeTrigger, turns TurnRunner, runs RunLogger, deliverer Deliverer) *Executor {
	return &Executor{
		cfg:       cfg.withDefaults(),
		logger:    log,
		wake:      wake,
		turns:     turns,
		runs:      runs,
		deliverer: deliverer,
	}
}

// Detached returns how many timed-out agent turns are still running in the
// background.
func (e *Executor) Detached() int64 {
	return e.detached.Load()
}

// WaitDeliveries blocks until in-flight deliveries finish. Used on shutdown
// and in tests.
func (e *Executor) WaitDeliveries() {
	e.deliveries.Wait()
}

// Execute runs job once and records the attempt in the run log.
func (e *Executor) Execute(ctx context.Context, job Job) Outcome {
	start := time.Now()

	var (
		out  Outcome
		text string
	)
	switch job.Definition.Payload.Kind {
	case PayloadHeartbeat:
		out = e.runHeartbeat(ctx, job)
	case PayloadAgentTurn:
		out, text = e.runAgentTurn(ctx, job)
	default:
		out = Outcome{Status: StatusError, Error: fmt.Sprintf("unknown payload kind %q", job.Definition.Payload.Kind)}
	}

	if ctx.Err() != nil && out.Status == StatusError {
		out.Status = StatusSkipped
		out.Error = InterruptedReason
	}
	out.StartedAt = start
	out.Duration = time.Since(start)
	out.Summary = truncateSummary(out.Summary, e.cfg.SummaryMaxRunes)

	e.record(ctx, job, out)

	if out.Status == StatusOK && text != "" && job.Definition.Payload.ShouldDeliver() && e.deliverer != nil {
		e.deliver(ctx, job, text)
	}
	return out
}

func (e *Executor) runHeartbeat(ctx context.Context, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("heartbeat panic recovered", fmt.Errorf("panic: %v", r),
				logger.Field{Key: "owner_id", Value: job.OwnerID},
				logger.Field{Key: "slug", Value: job.Slug})
			out = Outcome{Status: StatusError, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if e.wake == nil {
		return Outcome{Status: StatusError, Error: "no wake trigger configured"}
	}
	if err := e.wake.TriggerPeriodicWake(ctx, job.OwnerID); err != nil {
		return Outcome{Status: StatusError, Error: err.Error()}
	}
	return Outcome{Status: StatusOK, Summary: HeartbeatSummary}
}

type turnResult struct {
	text  string
	usage *Usage
	err   error
}

// turn consumer states
const (
	turnRunning int32 = iota
	turnFinished
	turnDetached
)

// runAgentTurn races the turn stream against the timeout. A turn that loses
// the race is not cancelled; its consumer is marked detached and keeps
// draining the stream until the runner closes it.
func (e *Executor) runAgentTurn(ctx context.Context, job Job) (out Outcome, text string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agent turn panic recovered", fmt.Errorf("panic: %v", r),
				logger.Field{Key: "owner_id", Value: job.OwnerID},
				logger.Field{Key: "slug", Value: job.Slug})
			out, text = Outcome{Status: StatusError, Error: fmt.Sprintf("panic: %v", r)}, ""
		}
	}()

	if e.turns == nil {
		return Outcome{Status: StatusError, Error: "no turn runner configured"}, ""
	}

	prompt := composePrompt(job)
	events, err := e.turns.RunTurn(ctx, prompt, TurnOptions{
		Role:    e.cfg.Role,
		OwnerID: job.OwnerID,
		Slug:    job.Slug,
	})
	if err != nil {
		return Outcome{Status: StatusError, Error: err.Error()}, ""
	}

	done := make(chan turnResult, 1)
	var state atomic.Int32
	go func() {
		res := consumeTurn(events)
		done <- res
		if !state.CompareAndSwap(turnRunning, turnFinished) {
			e.detached.Add(-1)
			e.logger.Info("detached agent turn finished, output discarded",
				logger.Field{Key: "owner_id", Value: job.OwnerID},
				logger.Field{Key: "slug", Value: job.Slug})
		}
	}()

	timer := time.NewTimer(e.cfg.TurnTimeout)
	defer timer.Stop()

	var reason string
	select {
	case res := <-done:
		return turnOutcome(res)
	case <-timer.C:
		reason = TimeoutReason
	case <-ctx.Done():
		reason = ctx.Err().Error()
	}

	e.detached.Add(1)
	if !state.CompareAndSwap(turnRunning, turnDetached) {
		// The stream ended while the timer fired.
		e.detached.Add(-1)
		return turnOutcome(<-done)
	}
	e.logger.Warn("agent turn detached",
		logger.Field{Key: "owner_id", Value: job.OwnerID},
		logger.Field{Key: "slug", Value: job.Slug},
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "detached", Value: e.detached.Load()})
	return Outcome{Status: StatusError, Error: reason}, ""
}

func turnOutcome(res turnResult) (Outcome, string) {
	if res.err != nil {
		return Outcome{Status: StatusError, Error: res.err.Error(), Summary: res.text, Usage: res.usage}, ""
	}
	return Outcome{Status: StatusOK, Summary: res.text, Usage: res.usage}, res.text
}

// consumeTurn drains the stream. The final result text wins over the
// accumulated deltas when both are present.
func consumeTurn(events <-chan TurnEvent) turnResult {
	var (
		sb       strings.Builder
		final    string
		hasFinal bool
		res      turnResult
	)
	for ev := range events {
		switch ev.Kind {
		case TurnEventDelta:
			sb.WriteString(ev.Text)
		case TurnEventResult:
			final, hasFinal = ev.Text, true
		case TurnEventUsage:
			if ev.Usage != nil {
				u := *ev.Usage
				res.usage = &u
			}
		case TurnEventError:
			if res.err == nil {
				res.err = ev.Err
				if res.err == nil {
					res.err = errors.New("agent turn failed")
				}
			}
		}
	}
	if hasFinal && final != "" {
		res.text = final
	} else {
		res.text = sb.String()
	}
	return res
}

func composePrompt(job Job) string {
	return fmt.Sprintf("[cron:%s/%s] %s", job.OwnerID, job.Slug, job.Definition.Payload.Message)
}

func (e *Executor) record(ctx context.Context, job Job, out Outcome) {
	if e.runs == nil {
		return
	}
	entry := runlog.Entry{
		OwnerID:    job.OwnerID,
		Slug:       job.Slug,
		Status:     string(out.Status),
		StartedAt:  out.StartedAt,
		DurationMs: out.Duration.Milliseconds(),
		Error:      out.Error,
		Summary:    out.Summary,
	}
	if out.Usage != nil {
		entry.InputTokens = out.Usage.InputTokens
		entry.OutputTokens = out.Usage.OutputTokens
		entry.TotalTokens = out.Usage.TotalTokens
		entry.CostUSD = out.Usage.CostUSD
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := e.runs.Record(rctx, entry); err != nil {
		e.logger.Error("failed to record run", err,
			logger.Field{Key: "owner_id", Value: job.OwnerID},
			logger.Field{Key: "slug", Value: job.Slug})
	}
}

// deliver sends text without blocking the caller.
func (e *Executor) deliver(ctx context.Context, job Job, text string) {
	e.deliveries.Add(1)
	go func() {
		defer e.deliveries.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("delivery panic recovered", fmt.Errorf("panic: %v", r),
					logger.Field{Key: "owner_id", Value: job.OwnerID})
			}
		}()

		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		if err := e.deliverer.Deliver(dctx, job.OwnerID, text); err != nil {
			e.logger.Error("failed to deliver job output", err,
				logger.Field{Key: "owner_id", Value: job.OwnerID},
				logger.Field{Key: "slug", Value: job.Slug})
		}
	}()
}

// truncateSummary normalizes s to NFC and cuts it on a rune boundary.
func truncateSummary(s string, maxRunes int) string {
	if s == "" {
		return s
	}
	s = norm.NFC.String(s)
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
