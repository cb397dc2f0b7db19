// Package agent runs the prompted turns of agent_turn jobs against an LLM
// provider and keeps a transcript per job.
package agent

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/guard"
	"github.com/aatumaykin/nexcron/internal/llm"
	"github.com/aatumaykin/nexcron/internal/logger"
)

// DefaultHistoryMessages is how many transcript messages are replayed.
const DefaultHistoryMessages = 10

// Config holds configuration for the runner.
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// HistoryMessages is the number of previous transcript messages sent with
	// each turn. Negative disables replay.
	HistoryMessages int
	// GuardThreshold is the injection risk score at which a replayed reply
	// is redacted. Zero uses guard.DefaultRiskThreshold.
	GuardThreshold int
}

// Runner implements cron.TurnRunner on top of a streaming llm.Provider.
type Runner struct {
	provider llm.Provider
	builder  *ContextBuilder
	sessions *Sessions
	guard    *guard.Guard
	logger   *logger.Logger
	config   Config
	now      func() time.Time
}

var _ cron.TurnRunner = (*Runner)(nil)

// NewRunner creates a Runner. sessions may be nil to run without transcripts.
func NewRunner(provider llm.Provider, builder *ContextBuilder, sessions *Sessions, log *logger.Logger, cfg Config) *Runner {
	if cfg.HistoryMessages == 0 {
		cfg.HistoryMessages = DefaultHistoryMessages
	}
	return &Runner{
		provider: provider,
		builder:  builder,
		sessions: sessions,
		guard:    guard.New(guard.Config{RiskThreshold: cfg.GuardThreshold}),
		logger:   log,
		config:   cfg,
		now:      time.Now,
	}
}

// RunTurn starts a streamed turn. The returned channel is closed once the
// provider stream ends or ctx is done.
func (r *Runner) RunTurn(ctx context.Context, prompt string, opts cron.TurnOptions) (<-chan cron.TurnEvent, error) {
	system, err := r.builder.Build(opts)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	messages = append(messages, r.history(ctx, opts)...)
	userMsg := llm.Message{Role: llm.RoleUser, Content: prompt}
	messages = append(messages, userMsg)

	stream, err := r.provider.Stream(ctx, llm.ChatRequest{
		Messages:    messages,
		Model:       r.config.Model,
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
	})
	if err != nil {
		return nil, err
	}

	r.logger.DebugCtx(ctx, "agent turn started",
		logger.Field{Key: "owner_id", Value: opts.OwnerID},
		logger.Field{Key: "slug", Value: opts.Slug},
		logger.Field{Key: "messages_count", Value: len(messages)})

	events := make(chan cron.TurnEvent)
	go r.pump(ctx, opts, userMsg, stream, events)
	return events, nil
}

func (r *Runner) history(ctx context.Context, opts cron.TurnOptions) []llm.Message {
	if r.sessions == nil || r.config.HistoryMessages < 0 {
		return nil
	}
	msgs, err := r.sessions.Recent(opts.OwnerID, opts.Slug, r.config.HistoryMessages)
	if err != nil {
		r.logger.WarnCtx(ctx, "failed to read job transcript",
			logger.Field{Key: "owner_id", Value: opts.OwnerID},
			logger.Field{Key: "slug", Value: opts.Slug},
			logger.Field{Key: "error", Value: err.Error()})
		return nil
	}

	for i, m := range msgs {
		if m.Role != llm.RoleAssistant {
			continue
		}
		cleaned, res := r.guard.Clean(m.Content)
		if !res.Safe {
			r.logger.WarnCtx(ctx, "replayed reply looks like prompt injection",
				logger.Field{Key: "owner_id", Value: opts.OwnerID},
				logger.Field{Key: "slug", Value: opts.Slug},
				logger.Field{Key: "risk", Value: res.String()})
			msgs[i].Content = cleaned
		}
	}
	return msgs
}

// pump translates provider events into turn events.
func (r *Runner) pump(ctx context.Context, opts cron.TurnOptions, userMsg llm.Message, stream <-chan llm.StreamEvent, events chan<- cron.TurnEvent) {
	defer close(events)

	send := func(ev cron.TurnEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var text strings.Builder
	for ev := range stream {
		switch {
		case ev.Err != nil:
			send(cron.TurnEvent{Kind: cron.TurnEventError, Err: ev.Err})
			return
		case ev.Done:
			reply := text.String()
			if !send(cron.TurnEvent{Kind: cron.TurnEventResult, Text: reply}) {
				return
			}
			r.remember(ctx, opts, userMsg, reply)
			return
		}

		if ev.Delta != "" {
			text.WriteString(ev.Delta)
			if !send(cron.TurnEvent{Kind: cron.TurnEventDelta, Text: ev.Delta}) {
				return
			}
		}
		if ev.Usage != nil {
			usage := &cron.Usage{
				InputTokens:  int64(ev.Usage.PromptTokens),
				OutputTokens: int64(ev.Usage.CompletionTokens),
				TotalTokens:  int64(ev.Usage.TotalTokens),
			}
			if !send(cron.TurnEvent{Kind: cron.TurnEventUsage, Usage: usage}) {
				return
			}
		}
	}

	err := ctx.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	send(cron.TurnEvent{Kind: cron.TurnEventError, Err: err})
}

func (r *Runner) remember(ctx context.Context, opts cron.TurnOptions, userMsg llm.Message, reply string) {
	if r.sessions == nil || reply == "" {
		return
	}
	err := r.sessions.Append(opts.OwnerID, opts.Slug, r.now(),
		userMsg, llm.Message{Role: llm.RoleAssistant, Content: reply})
	if err != nil {
		r.logger.WarnCtx(ctx, "failed to append job transcript",
			logger.Field{Key: "owner_id", Value: opts.OwnerID},
			logger.Field{Key: "slug", Value: opts.Slug},
			logger.Field{Key: "error", Value: err.Error()})
	}
}
