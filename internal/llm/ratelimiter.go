package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitExceededError возвращается, когда ожидание токена лимитера
// прервано контекстом.
type RateLimitExceededError struct {
	Err error
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit wait aborted: %v", e.Err)
}

func (e *RateLimitExceededError) Unwrap() error {
	return e.Err
}

// NewLimiter создает лимитер на requestsPerMinute запросов в минуту с
// burst равным одной секунде трафика (минимум 1). Ноль или меньше отключает
// ограничение.
func NewLimiter(requestsPerMinute int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := requestsPerMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst)
}

// waitLimiter блокирует до получения токена или отмены контекста.
func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return &RateLimitExceededError{Err: err}
	}
	return nil
}
