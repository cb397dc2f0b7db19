// Package config provides configuration loading and validation for nexcron.
// It supports TOML configuration files with environment variable expansion,
// default values, and comprehensive validation.
//
// Configuration structure:
//   - [workspace]: Workspace directory holding cron/ and HEARTBEAT.md
//   - [logging]: Logging level, format, and output
//   - [scheduler]: Timer cap, stuck threshold and error backoff table
//   - [executor]: Agent turn timeout, summary length and role
//   - [runlog]: Run history database
//   - [llm]: LLM provider configuration (Z.ai, OpenAI, mock)
//   - [heartbeat]: HEARTBEAT.md waker
//   - [delivery]: Result delivery (log, Telegram)
//   - [metrics]: Prometheus endpoint
//   - [watch]: Reload on jobs file changes
//
// Environment variables:
// Environment variables can be referenced using ${VAR} or ${VAR:default} syntax.
// For example: api_key = "${ZAI_API_KEY:default_key}"
package config

import (
	"path/filepath"
	"time"
)

const (
	// CronSubdirectory is the subdirectory name for cron jobs within workspace
	CronSubdirectory = "cron"
	// RunLogFilename is the default run history database name inside CronSubdirectory
	RunLogFilename = "runs.db"
	// TranscriptsSubdirectory holds per-job agent transcripts inside CronSubdirectory
	TranscriptsSubdirectory = "sessions"
)

// Config represents the main application configuration.
type Config struct {
	Workspace   WorkspaceConfig   `toml:"workspace"`
	Logging     LoggingConfig     `toml:"logging"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Executor    ExecutorConfig    `toml:"executor"`
	RunLog      RunLogConfig      `toml:"runlog"`
	LLM         LLMConfig         `toml:"llm"`
	Heartbeat   HeartbeatConfig   `toml:"heartbeat"`
	Delivery    DeliveryConfig    `toml:"delivery"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Watch       WatchConfig       `toml:"watch"`
	Transcripts TranscriptsConfig `toml:"transcripts"`
}

// WorkspaceConfig представляет конфигурацию workspace
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig представляет конфигурацию логирования
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SchedulerConfig представляет конфигурацию планировщика
type SchedulerConfig struct {
	MaxDelaySeconds       int   `toml:"max_delay_seconds"`
	StuckThresholdMinutes int   `toml:"stuck_threshold_minutes"`
	BackoffSeconds        []int `toml:"backoff_seconds"`
}

// MaxDelay возвращает верхнюю границу задержки таймера
func (c SchedulerConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// StuckThreshold возвращает порог, после которого запуск считается зависшим
func (c SchedulerConfig) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

// Backoff возвращает таблицу задержек после ошибок
func (c SchedulerConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.BackoffSeconds))
	for _, s := range c.BackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// ExecutorConfig представляет конфигурацию исполнителя задач
type ExecutorConfig struct {
	TurnTimeoutSeconds int    `toml:"turn_timeout_seconds"`
	SummaryMaxRunes    int    `toml:"summary_max_runes"`
	Role               string `toml:"role"`
}

// TurnTimeout возвращает таймаут agent turn
func (c ExecutorConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

// RunLogConfig представляет конфигурацию журнала запусков
type RunLogConfig struct {
	Path string `toml:"path"`
}

// LLMConfig представляет конфигурацию LLM провайдера
type LLMConfig struct {
	Provider          string  `toml:"provider"`
	APIKey            string  `toml:"api_key"`
	BaseURL           string  `toml:"base_url"`
	Model             string  `toml:"model"`
	MaxTokens         int     `toml:"max_tokens"`
	Temperature       float64 `toml:"temperature"`
	TimeoutSeconds    int     `toml:"timeout_seconds"`
	RequestsPerMinute int     `toml:"requests_per_minute"`
	// MockResponse is the fixed reply of the "mock" provider.
	MockResponse string `toml:"mock_response"`
}

// HeartbeatConfig представляет конфигурацию heartbeat waker
type HeartbeatConfig struct {
	File                  string `toml:"file"`
	RetryAttempts         int    `toml:"retry_attempts"`
	RetryInitialBackoffMs int    `toml:"retry_initial_backoff_ms"`
}

// RetryInitialBackoff возвращает начальную задержку между попытками
func (c HeartbeatConfig) RetryInitialBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoffMs) * time.Millisecond
}

// DeliveryConfig представляет конфигурацию доставки результатов
type DeliveryConfig struct {
	Log      LogDeliveryConfig `toml:"log"`
	Telegram TelegramConfig    `toml:"telegram"`
}

// LogDeliveryConfig представляет конфигурацию доставки в лог
type LogDeliveryConfig struct {
	Enabled bool `toml:"enabled"`
}

// TelegramConfig представляет конфигурацию Telegram доставки
type TelegramConfig struct {
	Enabled            bool             `toml:"enabled"`
	Token              string           `toml:"token"`
	Chats              map[string]int64 `toml:"chats"`
	SendTimeoutSeconds int              `toml:"send_timeout_seconds"`
	MessagesPerSecond  float64          `toml:"messages_per_second"`
	DefaultParseMode   string           `toml:"default_parse_mode"`
}

// SendTimeout возвращает таймаут отправки сообщения
func (c TelegramConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// MetricsConfig представляет конфигурацию Prometheus метрик
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// WatchConfig представляет конфигурацию наблюдения за файлом задач
type WatchConfig struct {
	Enabled    bool `toml:"enabled"`
	DebounceMs int  `toml:"debounce_ms"`
}

// Debounce возвращает окно подавления повторных событий
func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// TranscriptsConfig представляет конфигурацию очистки транскриптов задач
type TranscriptsConfig struct {
	CleanupEnabled         bool `toml:"cleanup_enabled"`
	MaxMessages            int  `toml:"max_messages"`
	OrphanTTLDays          int  `toml:"orphan_ttl_days"`
	CleanupIntervalMinutes int  `toml:"cleanup_interval_minutes"`
}

// OrphanTTL возвращает возраст, после которого удаляется транскрипт удалённой задачи
func (c TranscriptsConfig) OrphanTTL() time.Duration {
	return time.Duration(c.OrphanTTLDays) * 24 * time.Hour
}

// CleanupInterval возвращает период очистки
func (c TranscriptsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// TranscriptsDir возвращает путь к директории транскриптов задач
func (c *Config) TranscriptsDir() string {
	return filepath.Join(c.CronDir(), TranscriptsSubdirectory)
}

// CronDir возвращает путь к директории для хранения cron jobs
func (c *Config) CronDir() string {
	return filepath.Join(c.Workspace.Path, CronSubdirectory)
}

// RunLogPath возвращает путь к базе журнала запусков
func (c *Config) RunLogPath() string {
	if c.RunLog.Path != "" {
		return c.RunLog.Path
	}
	return filepath.Join(c.CronDir(), RunLogFilename)
}

// HeartbeatPath возвращает путь к HEARTBEAT.md
func (c *Config) HeartbeatPath() string {
	if filepath.IsAbs(c.Heartbeat.File) {
		return c.Heartbeat.File
	}
	return filepath.Join(c.Workspace.Path, c.Heartbeat.File)
}
