package cron

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts both 5-field and 6-field (leading seconds) expressions as
// well as descriptors such as "@hourly" and "@every 90m".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parsed expressions are immutable, so they are shared between callers.
var parsedExprs sync.Map // expr -> cron.Schedule

// NextOccurrence returns the first fire time of s strictly after now.
// The second result is false when the schedule never fires again or cannot
// be evaluated; evaluation never fails loudly.
func NextOccurrence(s Schedule, now time.Time) (time.Time, bool) {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil || !s.At.After(now) {
			return time.Time{}, false
		}
		return *s.At, true

	case ScheduleEvery:
		return nextEvery(s, now)

	case ScheduleCron:
		return nextCron(s, now)

	default:
		return time.Time{}, false
	}
}

// nextEvery places the result on the anchor's grid. Without an anchor the
// grid is rebuilt around now on every call, so the result is now+every.
func nextEvery(s Schedule, now time.Time) (time.Time, bool) {
	every := s.EveryMs
	if every <= 0 {
		return time.Time{}, false
	}

	nowMs := now.UnixMilli()
	anchor := nowMs
	if s.AnchorMs != nil {
		anchor = *s.AnchorMs
	}

	periods := ceilDiv(nowMs-anchor, every)
	candidate := anchor + periods*every
	if candidate <= nowMs {
		candidate += every
	}
	return time.UnixMilli(candidate).In(now.Location()), true
}

// ceilDiv rounds a/b toward positive infinity; b must be positive.
func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a > 0 {
		q++
	}
	return q
}

func nextCron(s Schedule, now time.Time) (time.Time, bool) {
	sched, err := parseExpr(s.Expr)
	if err != nil {
		return time.Time{}, false
	}

	loc, err := loadLocation(s.TZ)
	if err != nil {
		return time.Time{}, false
	}

	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	// Sub-second cron granularity is not supported.
	return next.Truncate(time.Second), true
}

func parseExpr(expr string) (cron.Schedule, error) {
	if cached, ok := parsedExprs.Load(expr); ok {
		return cached.(cron.Schedule), nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	parsedExprs.Store(expr, sched)
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// ValidateSchedule reports why s can never be evaluated. A valid one-shot
// schedule in the past is accepted; it simply never fires.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleAt:
		if s.At == nil || s.At.IsZero() {
			return fmt.Errorf("%w: at schedule requires a time", ErrInvalidSchedule)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("%w: every_ms must be positive, got %d", ErrInvalidSchedule, s.EveryMs)
		}
	case ScheduleCron:
		if s.Expr == "" {
			return fmt.Errorf("%w: empty cron expression", ErrInvalidSchedule)
		}
		if _, err := parser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if _, err := loadLocation(s.TZ); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, s.TZ)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
	return nil
}
