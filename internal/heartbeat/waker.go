// Package heartbeat implements the periodic wake used by heartbeat jobs. A
// wake reads HEARTBEAT.md, asks the LLM whether anything needs attention and
// delivers the reply unless it is HEARTBEAT_OK.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/llm"
	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/retry"
)

// heartbeatPrompt is the prompt used for heartbeat checks.
const heartbeatPrompt = "Read HEARTBEAT.md below. Follow it strictly. Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK."

// OKToken is the reply that means nothing needs attention.
const OKToken = "HEARTBEAT_OK"

// DefaultLookback is how far back the first wake of an owner looks for due
// tasks.
const DefaultLookback = 10 * time.Minute

// ErrEmptyResponse is returned when the model replies with nothing.
var ErrEmptyResponse = errors.New("heartbeat check returned empty response")

// Options configures a Waker.
type Options struct {
	Retry    retry.Config
	Lookback time.Duration
	Now      func() time.Time
}

// Waker implements cron.WakeTrigger.
type Waker struct {
	loader    *Loader
	provider  llm.Provider
	deliverer cron.Deliverer
	logger    *logger.Logger
	opts      Options

	mu       sync.Mutex
	lastWake map[string]time.Time
}

var _ cron.WakeTrigger = (*Waker)(nil)

// NewWaker creates a Waker. deliverer may be nil, in which case replies are
// only logged.
func NewWaker(loader *Loader, provider llm.Provider, deliverer cron.Deliverer, log *logger.Logger, opts Options) *Waker {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Waker{
		loader:    loader,
		provider:  provider,
		deliverer: deliverer,
		logger:    log,
		opts:      opts,
		lastWake:  make(map[string]time.Time),
	}
}

// TriggerPeriodicWake performs a single heartbeat check for ownerID.
func (w *Waker) TriggerPeriodicWake(ctx context.Context, ownerID string) error {
	doc, err := w.loader.Load()
	if err != nil {
		return err
	}

	now := w.opts.Now()
	since := w.markWake(ownerID, now)

	if doc.Empty() {
		w.logger.DebugCtx(ctx, "heartbeat file empty, nothing to check",
			logger.Field{Key: "owner_id", Value: ownerID})
		return nil
	}

	req := llm.ChatRequest{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: heartbeatPrompt},
		{Role: llm.RoleUser, Content: buildContext(ownerID, now, doc, DueTasks(doc.Tasks, since, now))},
	}}

	w.logger.InfoCtx(ctx, "Performing heartbeat check",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "tasks", Value: len(doc.Tasks)})

	resp, err := retry.Do(ctx, w.logger, w.opts.Retry, func(ctx context.Context) (*llm.ChatResponse, error) {
		return w.provider.Chat(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("heartbeat check failed: %w", err)
	}

	return w.processResponse(ctx, ownerID, resp.Content)
}

// markWake records now as the latest wake of ownerID and returns the previous
// one, or now minus the lookback on the first wake.
func (w *Waker) markWake(ownerID string, now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	since, ok := w.lastWake[ownerID]
	if !ok || since.After(now) {
		since = now.Add(-w.opts.Lookback)
	}
	w.lastWake[ownerID] = now
	return since
}

func (w *Waker) processResponse(ctx context.Context, ownerID, response string) error {
	if strings.TrimSpace(response) == "" {
		w.logger.WarnCtx(ctx, "Heartbeat check returned empty response",
			logger.Field{Key: "owner_id", Value: ownerID})
		return ErrEmptyResponse
	}

	if IsOK(response) {
		w.logger.InfoCtx(ctx, "Heartbeat check: all good", logger.Field{Key: "owner_id", Value: ownerID})
		return nil
	}

	w.logger.InfoCtx(ctx, "Heartbeat check: action required",
		logger.Field{Key: "owner_id", Value: ownerID},
		logger.Field{Key: "response_length", Value: len(response)})

	if w.deliverer == nil {
		return nil
	}
	if err := w.deliverer.Deliver(ctx, ownerID, strings.TrimSpace(response)); err != nil {
		return fmt.Errorf("failed to deliver heartbeat reply: %w", err)
	}
	return nil
}

// IsOK reports whether response is the OK token, alone or as the last line.
func IsOK(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == OKToken {
		return true
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1]) == OKToken
}

// DueTasks returns the tasks with an occurrence in (since, now].
func DueTasks(tasks []Task, since, now time.Time) []Task {
	var due []Task
	for _, task := range tasks {
		next, ok := cron.NextOccurrence(task.schedule(), since)
		if ok && !next.After(now) {
			due = append(due, task)
		}
	}
	return due
}

func buildContext(ownerID string, now time.Time, doc Document, due []Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Owner: %s\n", ownerID)

	if len(due) > 0 {
		b.WriteString("\nTasks due now:\n")
		for _, task := range due {
			fmt.Fprintf(&b, "- %s (%s): %s\n", task.Name, task.Schedule, task.Task)
		}
	}

	b.WriteString("\nHEARTBEAT.md:\n")
	b.WriteString(doc.Content)
	return b.String()
}
