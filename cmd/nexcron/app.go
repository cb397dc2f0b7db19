package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aatumaykin/nexcron/internal/agent"
	"github.com/aatumaykin/nexcron/internal/cleanup"
	"github.com/aatumaykin/nexcron/internal/config"
	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/delivery"
	"github.com/aatumaykin/nexcron/internal/heartbeat"
	"github.com/aatumaykin/nexcron/internal/llm"
	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/retry"
	"github.com/aatumaykin/nexcron/internal/runlog"
)

// app holds the wired components shared by serve and the jobs commands.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *cron.FileStore
	runs      *runlog.Store
	executor  *cron.Executor
	scheduler *cron.Scheduler
	service   *cron.Service
	metrics   *cron.Metrics
	telegram  *delivery.Telegram
	sessions  *agent.Sessions
}

type appOptions struct {
	// registry enables metrics when set.
	registry prometheus.Registerer
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.store = cron.NewFileStore(cfg.Workspace.Path, log)

	runs, err := runlog.Open(ctx, cfg.RunLogPath(), log)
	if err != nil {
		return nil, err
	}
	a.runs = runs

	provider, err := newProvider(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	deliverer, err := a.newDeliverer(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sessions = agent.NewSessions(cfg.TranscriptsDir())
	runner := agent.NewRunner(provider, agent.NewContextBuilder(cfg.Workspace.Path, ""), a.sessions, log, agent.Config{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	waker := heartbeat.NewWaker(
		heartbeat.NewLoader(cfg.HeartbeatPath(), log),
		provider,
		deliverer,
		log,
		heartbeat.Options{Retry: retry.Config{
			MaxAttempts:    cfg.Heartbeat.RetryAttempts,
			InitialBackoff: cfg.Heartbeat.RetryInitialBackoff(),
		}},
	)

	a.executor = cron.NewExecutor(cron.ExecutorConfig{
		TurnTimeout:     cfg.Executor.TurnTimeout(),
		SummaryMaxRunes: cfg.Executor.SummaryMaxRunes,
		Role:            cfg.Executor.Role,
	}, log, waker, runner, runs, deliverer)

	schedOpts := cron.Options{
		StuckThreshold: cfg.Scheduler.StuckThreshold(),
		MaxTimerDelay:  cfg.Scheduler.MaxDelay(),
		Backoff:        cfg.Scheduler.Backoff(),
	}
	if opts.registry != nil {
		a.metrics = cron.InitMetrics(cfg.Metrics.Namespace, opts.registry, a.executor.Detached)
		schedOpts.Observers = append(schedOpts.Observers, a.metrics)
	}

	a.scheduler = cron.NewScheduler(a.store, a.executor, log, schedOpts)
	a.service = cron.NewService(a.scheduler, a.store, runs, log)
	return a, nil
}

func newProvider(cfg *config.Config, log *logger.Logger) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case config.ProviderZAI, config.ProviderOpenAI:
		return llm.NewClient(llm.Config{
			APIKey:            cfg.LLM.APIKey,
			BaseURL:           cfg.LLM.BaseURL,
			Model:             cfg.LLM.Model,
			TimeoutSeconds:    cfg.LLM.TimeoutSeconds,
			MaxTokens:         cfg.LLM.MaxTokens,
			Temperature:       cfg.LLM.Temperature,
			RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		}, log), nil
	case config.ProviderMock:
		return llm.NewFixedProvider(cfg.LLM.MockResponse), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}
}

func (a *app) newDeliverer(cfg *config.Config, log *logger.Logger) (cron.Deliverer, error) {
	var deliverers []cron.Deliverer
	if cfg.Delivery.Log.Enabled {
		deliverers = append(deliverers, delivery.NewLog(log))
	}
	if tg := cfg.Delivery.Telegram; tg.Enabled {
		t, err := delivery.NewTelegram(delivery.TelegramConfig{
			Token:             tg.Token,
			Chats:             tg.Chats,
			SendTimeout:       tg.SendTimeout(),
			MessagesPerSecond: tg.MessagesPerSecond,
			DefaultParseMode:  tg.DefaultParseMode,
		}, log)
		if err != nil {
			return nil, err
		}
		a.telegram = t
		deliverers = append(deliverers, t)
	}
	if len(deliverers) == 0 {
		return nil, nil
	}
	return delivery.NewMulti(deliverers...), nil
}

// load reads jobs for one-shot commands that do not start the timer.
func (a *app) load(ctx context.Context) error {
	return a.scheduler.Load(ctx)
}

// activeJobs returns the keys of every known job for transcript cleanup.
func (a *app) activeJobs() map[string]bool {
	jobs := a.service.List("")
	active := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		active[j.Key()] = true
	}
	return active
}

func newCleanupRunner(cfg *config.Config) *cleanup.Runner {
	return cleanup.NewRunner(cleanup.Config{
		MaxMessages: cfg.Transcripts.MaxMessages,
		OrphanTTL:   cfg.Transcripts.OrphanTTL(),
	})
}

// Close waits for pending deliveries and closes the run log.
func (a *app) Close() {
	if a.executor != nil {
		a.executor.WaitDeliveries()
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.log.Error("failed to close run log", err)
		}
	}
}
