package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Поддерживаемые LLM провайдеры
const (
	ProviderZAI    = "zai"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

const (
	defaultWorkspacePath = "~/.nexcron"
	defaultZAIBaseURL    = "https://api.z.ai/api/coding/paas/v4"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// Load загружает конфигурацию из TOML файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse разбирает TOML, применяет значения по умолчанию и раскрывает
// переменные окружения
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := expandEnvVars(&cfg); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	return &cfg, nil
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = expandEnvVars(cfg)
	return cfg
}

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errors []error

	// Проверка workspace
	if c.Workspace.Path == "" {
		errors = append(errors, fmt.Errorf("workspace.path is required"))
	} else if err := validatePath(c.Workspace.Path, "workspace.path"); err != nil {
		errors = append(errors, err)
	}

	// Проверка logging config
	if c.Logging.Level == "" {
		errors = append(errors, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}

	if c.Logging.Format == "" {
		errors = append(errors, fmt.Errorf("logging.format is required"))
	} else {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Logging.Output == "" {
		errors = append(errors, fmt.Errorf("logging.output is required"))
	}

	// Проверка планировщика
	if c.Scheduler.MaxDelaySeconds < 1 {
		errors = append(errors, fmt.Errorf("scheduler.max_delay_seconds must be >= 1 (got %d)", c.Scheduler.MaxDelaySeconds))
	}
	if c.Scheduler.StuckThresholdMinutes < 1 {
		errors = append(errors, fmt.Errorf("scheduler.stuck_threshold_minutes must be >= 1 (got %d)", c.Scheduler.StuckThresholdMinutes))
	}
	if len(c.Scheduler.BackoffSeconds) == 0 {
		errors = append(errors, fmt.Errorf("scheduler.backoff_seconds cannot be empty"))
	}
	for i, s := range c.Scheduler.BackoffSeconds {
		if s < 1 {
			errors = append(errors, fmt.Errorf("scheduler.backoff_seconds[%d] must be >= 1 (got %d)", i, s))
		}
	}

	// Проверка исполнителя
	if c.Executor.TurnTimeoutSeconds < 1 {
		errors = append(errors, fmt.Errorf("executor.turn_timeout_seconds must be >= 1 (got %d)", c.Executor.TurnTimeoutSeconds))
	}
	if c.Executor.SummaryMaxRunes < 1 {
		errors = append(errors, fmt.Errorf("executor.summary_max_runes must be >= 1 (got %d)", c.Executor.SummaryMaxRunes))
	}

	// Проверка LLM конфигурации
	switch c.LLM.Provider {
	case "":
		errors = append(errors, fmt.Errorf("llm.provider is required"))
	case ProviderZAI, ProviderOpenAI:
		if c.LLM.APIKey == "" {
			errors = append(errors, fmt.Errorf("llm.api_key is required when provider is '%s'", c.LLM.Provider))
		} else if err := validateAPIKey(c.LLM.APIKey, "llm.api_key"); err != nil {
			errors = append(errors, err)
		}
	case ProviderMock:
	default:
		errors = append(errors, fmt.Errorf("invalid llm.provider: %s (expected: zai, openai, mock)", c.LLM.Provider))
	}
	if c.LLM.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("llm.requests_per_minute cannot be negative"))
	}

	if c.Heartbeat.File == "" {
		errors = append(errors, fmt.Errorf("heartbeat.file is required"))
	}

	// Проверка Telegram доставки
	if tg := c.Delivery.Telegram; tg.Enabled {
		if tg.Token == "" {
			errors = append(errors, fmt.Errorf("delivery.telegram.token is required when telegram is enabled"))
		} else if err := validateTelegramToken(tg.Token); err != nil {
			errors = append(errors, err)
		}
		if len(tg.Chats) == 0 {
			errors = append(errors, fmt.Errorf("delivery.telegram.chats cannot be empty when telegram is enabled"))
		}
		for owner, chatID := range tg.Chats {
			if chatID == 0 {
				errors = append(errors, fmt.Errorf("delivery.telegram.chats.%s has zero chat id", owner))
			}
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errors = append(errors, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	if c.Watch.DebounceMs < 0 {
		errors = append(errors, fmt.Errorf("watch.debounce_ms cannot be negative"))
	}

	// Проверка очистки транскриптов
	if c.Transcripts.MaxMessages < 0 {
		errors = append(errors, fmt.Errorf("transcripts.max_messages cannot be negative"))
	}
	if c.Transcripts.OrphanTTLDays < 0 {
		errors = append(errors, fmt.Errorf("transcripts.orphan_ttl_days cannot be negative"))
	}
	if c.Transcripts.CleanupEnabled && c.Transcripts.CleanupIntervalMinutes < 1 {
		errors = append(errors, fmt.Errorf("transcripts.cleanup_interval_minutes must be >= 1 (got %d)", c.Transcripts.CleanupIntervalMinutes))
	}

	return errors
}

// Masked возвращает копию конфигурации со скрытыми секретами
func (c *Config) Masked() *Config {
	out := *c
	out.LLM.APIKey = maskSecret(c.LLM.APIKey)
	out.Delivery.Telegram.Token = maskTelegramToken(c.Delivery.Telegram.Token)
	return &out
}

// Helper validation functions
func validateAPIKey(key, fieldName string) error {
	if key == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if len(key) < 10 {
		return formatValidationError(fieldName, fmt.Sprintf("is too short (minimum 10 characters, got %d)", len(key)), key)
	}

	return nil
}

func validateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram token cannot be empty")
	}

	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return fmt.Errorf("telegram token has invalid format (expected format: <bot_id>:<token>, got: %s)", maskSecret(token))
	}

	botID := parts[0]
	botToken := parts[1]

	if len(botID) < 3 || len(botID) > 15 {
		return fmt.Errorf("telegram token has invalid bot ID length (expected 3-15 digits, got %d digits)", len(botID))
	}

	for _, r := range botID {
		if r < '0' || r > '9' {
			return fmt.Errorf("telegram token has invalid bot ID (expected digits only, got: %s)", botID)
		}
	}

	if len(botToken) < 10 || len(botToken) > 50 {
		return fmt.Errorf("telegram token has invalid token length (expected 10-50 characters, got %d)", len(botToken))
	}

	return nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}

	if strings.HasPrefix(path, "~") {
		return nil
	}

	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}

	return nil
}

// applyDefaults применяет значения по умолчанию
func applyDefaults(c *Config) {
	if c.Workspace.Path == "" {
		c.Workspace.Path = defaultWorkspacePath
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Scheduler.MaxDelaySeconds == 0 {
		c.Scheduler.MaxDelaySeconds = 60
	}
	if c.Scheduler.StuckThresholdMinutes == 0 {
		c.Scheduler.StuckThresholdMinutes = 120
	}
	if c.Scheduler.BackoffSeconds == nil {
		c.Scheduler.BackoffSeconds = []int{30, 60, 300, 900, 3600}
	}

	if c.Executor.TurnTimeoutSeconds == 0 {
		c.Executor.TurnTimeoutSeconds = 600
	}
	if c.Executor.SummaryMaxRunes == 0 {
		c.Executor.SummaryMaxRunes = 2000
	}
	if c.Executor.Role == "" {
		c.Executor.Role = "cron"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderZAI
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case ProviderZAI:
			c.LLM.BaseURL = defaultZAIBaseURL
		case ProviderOpenAI:
			c.LLM.BaseURL = defaultOpenAIBaseURL
		}
	}
	if c.LLM.Model == "" && c.LLM.Provider == ProviderZAI {
		c.LLM.Model = "glm-4.7"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 8192
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.MockResponse == "" {
		c.LLM.MockResponse = "HEARTBEAT_OK"
	}

	if c.Heartbeat.File == "" {
		c.Heartbeat.File = "HEARTBEAT.md"
	}
	if c.Heartbeat.RetryAttempts == 0 {
		c.Heartbeat.RetryAttempts = 3
	}
	if c.Heartbeat.RetryInitialBackoffMs == 0 {
		c.Heartbeat.RetryInitialBackoffMs = 1000
	}

	if c.Delivery.Telegram.SendTimeoutSeconds == 0 {
		c.Delivery.Telegram.SendTimeoutSeconds = 10
	}
	if c.Delivery.Telegram.MessagesPerSecond == 0 {
		c.Delivery.Telegram.MessagesPerSecond = 1
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "nexcron"
	}

	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = 250
	}

	if c.Transcripts.MaxMessages == 0 {
		c.Transcripts.MaxMessages = 200
	}
	if c.Transcripts.OrphanTTLDays == 0 {
		c.Transcripts.OrphanTTLDays = 7
	}
	if c.Transcripts.CleanupIntervalMinutes == 0 {
		c.Transcripts.CleanupIntervalMinutes = 60
	}
}

// expandEnvVars расширяет переменные окружения в конфигурации
func expandEnvVars(c *Config) error {
	c.LLM.APIKey = expandEnv(c.LLM.APIKey)
	c.LLM.BaseURL = expandEnv(c.LLM.BaseURL)
	c.Delivery.Telegram.Token = expandEnv(c.Delivery.Telegram.Token)

	c.Workspace.Path = expandHome(expandEnv(c.Workspace.Path))
	c.RunLog.Path = expandHome(expandEnv(c.RunLog.Path))
	c.Heartbeat.File = expandHome(expandEnv(c.Heartbeat.File))

	if strings.HasPrefix(c.Logging.Output, "~/") {
		c.Logging.Output = expandHome(c.Logging.Output)
	}

	return nil
}

// expandEnv расширяет переменную окружения формата ${VAR:default}
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	rest := s[end+1:]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val + rest
		}
		return parts[1] + rest
	}

	// Без значения по умолчанию
	return os.Getenv(content) + rest
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
