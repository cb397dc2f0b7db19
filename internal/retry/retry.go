// Package retry provides retry mechanism for LLM calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aatumaykin/nexcron/internal/logger"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 10 * time.Second
)

// Config represents retry configuration.
type Config struct {
	MaxAttempts    int           // Maximum number of retry attempts (default: 3)
	InitialBackoff time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxDelay
	}
	return c
}

// Do executes fn with retry logic and returns its result or the last error
// once all attempts fail. Context cancellation is checked between attempts.
// log may be nil.
func Do[T any](ctx context.Context, log *logger.Logger, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Discard()
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		attemptField := logger.Field{Key: "attempt", Value: attempt + 1}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.DebugCtx(ctx, "retry succeeded", attemptField)
			}
			return result, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			log.DebugCtx(ctx, "non-retryable error", attemptField,
				logger.Field{Key: "error", Value: err.Error()})
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		backoff := calculateBackoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff)
		log.WarnCtx(ctx, "retryable error, backing off", attemptField,
			logger.Field{Key: "max_attempts", Value: cfg.MaxAttempts},
			logger.Field{Key: "backoff", Value: backoff.String()},
			logger.Field{Key: "error", Value: err.Error()})

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

// DoWithRetry is Do for functions returning a string.
func DoWithRetry(ctx context.Context, fn func() (string, error), cfg Config) (string, error) {
	return Do(ctx, nil, cfg, func(context.Context) (string, error) { return fn() })
}

// httpStatusError is implemented by errors that carry an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// IsRetryable checks if an error is retryable.
// Returns true for timeout, network, rate limit, 5xx and temporary errors.
// Returns false for authentication, authorization, not found, and context cancellation errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatus()
		return code == 408 || code == 429 || code >= 500
	}

	errLower := strings.ToLower(err.Error())

	nonRetryablePatterns := []string{
		"401",
		"403",
		"400",
		"404",
		"context canceled",
	}
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errLower, pattern) {
			return false
		}
	}

	retryablePatterns := []string{
		"deadline exceeded",
		"timeout",
		"connection refused",
		"connection reset",
		"temporary",
		"eof",
		"429",
		"too many requests",
		"rate limit",
		"status=5",
		"5xx",
		"bad gateway",
		"service unavailable",
		"internal server error",
		"connection",
		"network",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errLower, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff returns 2^attempt * initial, capped at max.
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt >= 30 {
		return max
	}
	backoff := time.Duration(1<<uint(attempt)) * initial
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}
