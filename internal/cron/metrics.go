package cron

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports scheduler events as Prometheus collectors. It implements
// Observer, so it is passed to the scheduler through Options.Observers.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	running     prometheus.Gauge
	jobsTotal   prometheus.Gauge
	jobsEnabled prometheus.Gauge
	healedTotal prometheus.Counter
}

// InitMetrics creates and registers the scheduler collectors on reg
// (prometheus.DefaultRegisterer when nil). detached, when set, backs a gauge
// of timed-out agent turns still running.
func InitMetrics(namespace string, reg prometheus.Registerer, detached func() int64) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_runs_total",
				Help:      "Total number of cron job attempts",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cron_run_duration_seconds",
				Help:      "Duration of cron job attempts",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs_running",
				Help:      "Number of cron jobs currently executing",
			},
		),
		jobsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs",
				Help:      "Number of loaded cron jobs",
			},
		),
		jobsEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_jobs_enabled",
				Help:      "Number of enabled cron jobs",
			},
		),
		healedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_stuck_cleared_total",
				Help:      "Total number of stuck runs cleared on load",
			},
		),
	}

	reg.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.running,
		m.jobsTotal,
		m.jobsEnabled,
		m.healedTotal,
	)

	if detached != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cron_detached_turns",
				Help:      "Timed-out agent turns still running in the background",
			},
			func() float64 { return float64(detached()) },
		))
	}

	return m
}

func (m *Metrics) JobStarted(JobStartedEvent) {
	m.running.Inc()
}

func (m *Metrics) JobFinished(e JobFinishedEvent) {
	m.running.Dec()
	m.runsTotal.WithLabelValues(string(e.Status)).Inc()
	m.runDuration.WithLabelValues(string(e.Status)).Observe(e.Duration.Seconds())
}

func (m *Metrics) JobsLoaded(e JobsLoadedEvent) {
	m.jobsTotal.Set(float64(e.Total))
	m.jobsEnabled.Set(float64(e.Enabled))
	m.healedTotal.Add(float64(e.Healed))
}
