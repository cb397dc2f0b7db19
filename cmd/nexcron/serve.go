package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexcron/internal/cleanup"
	"github.com/aatumaykin/nexcron/internal/logger"
	"github.com/aatumaykin/nexcron/internal/version"
	"github.com/aatumaykin/nexcron/internal/watch"
	"github.com/aatumaykin/nexcron/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler (main command)",
		Long: `Start the scheduler with the given configuration.
This loads every job, arms the wake timer, watches the jobs file for edits
made by other processes and handles graceful shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		out := cmd.ErrOrStderr()
		fmt.Fprintln(out, "❌ Configuration validation failed:")
		for _, e := range errs {
			fmt.Fprintf(out, "  - %v\n", e)
		}
		return fmt.Errorf("%d validation errors", len(errs))
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("🚀 Starting nexcron",
		logger.Field{Key: "version", Value: version.Version},
		logger.Field{Key: "git_commit", Value: version.GitCommit},
		logger.Field{Key: "config", Value: opts.configPath},
		logger.Field{Key: "workspace", Value: cfg.Workspace.Path},
		logger.Field{Key: "llm_provider", Value: cfg.LLM.Provider})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws := workspace.New(cfg.Workspace.Path)
	if err := ws.EnsureSubpath(workspace.SubdirCron); err != nil {
		return err
	}

	var registry *prometheus.Registry
	var appOpts appOptions
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		appOpts.registry = registry
	}

	a, err := newApp(ctx, cfg, log, appOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.telegram != nil {
		if name, err := a.telegram.Check(ctx); err != nil {
			log.Warn("Telegram check failed, deliveries may fail",
				logger.Field{Key: "error", Value: err.Error()})
		} else {
			log.Info("✅ Telegram delivery ready", logger.Field{Key: "bot", Value: name})
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	var watcher *watch.Watcher
	if cfg.Watch.Enabled {
		watcher, err = watch.New(a.store.DefinitionsPath(), cfg.Watch.Debounce(), a.scheduler.Reload, log)
		if err != nil {
			log.Warn("jobs file watcher disabled", logger.Field{Key: "error", Value: err.Error()})
		} else {
			watcher.Start(ctx)
			log.Info("👀 Watching jobs file", logger.Field{Key: "path", Value: a.store.DefinitionsPath()})
		}
	}

	var pruner *cleanup.Scheduler
	if cfg.Transcripts.CleanupEnabled {
		pruner = cleanup.NewScheduler(newCleanupRunner(cfg), cfg.TranscriptsDir(),
			cfg.Transcripts.CleanupInterval(), a.activeJobs, log)
		pruner.Start(ctx)
	}

	var server *http.Server
	if registry != nil {
		server = newMetricsServer(cfg.Metrics.Listen, registry)
		go func() {
			log.Info("📈 Metrics server listening", logger.Field{Key: "addr", Value: server.Addr})
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", err)
			}
		}()
	}

	log.Info("✅ nexcron started", logger.Field{Key: "jobs", Value: len(a.service.List(""))})

	<-ctx.Done()
	log.Info("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Warn("failed to close watcher", logger.Field{Key: "error", Value: err.Error()})
		}
	}
	if pruner != nil {
		pruner.Stop()
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop scheduler", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop metrics server", err)
		}
	}
	if n := a.executor.Detached(); n > 0 {
		log.Warn("exiting with detached agent turns still running", logger.Field{Key: "count", Value: n})
	}

	log.Info("👋 nexcron stopped")
	return nil
}

func newMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
