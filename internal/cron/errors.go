package cron

import "errors"

var (
	// ErrJobNotFound is returned by control operations on an unknown job.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when adding a job whose slug is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrInvalidSlug is returned for malformed owner ids or slugs.
	ErrInvalidSlug = errors.New("invalid job identity")
	// ErrInvalidSchedule is returned for schedules that can never be evaluated.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidPayload is returned for malformed payloads.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrSchedulerNotStarted is returned by operations that need a running scheduler.
	ErrSchedulerNotStarted = errors.New("scheduler not started")
)
