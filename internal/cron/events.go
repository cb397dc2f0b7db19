package cron

import "time"

// JobStartedEvent is emitted right before a job is dispatched.
type JobStartedEvent struct {
	OwnerID string
	Slug    string
	At      time.Time
}

// JobFinishedEvent is emitted after a job's state has been updated.
type JobFinishedEvent struct {
	OwnerID   string
	Slug      string
	Status    RunStatus
	Duration  time.Duration
	NextRunAt *time.Time
	Error     string
	Summary   string
	At        time.Time
}

// JobsLoadedEvent is emitted after every load from the store.
type JobsLoadedEvent struct {
	Total   int
	Enabled int
	Healed  int // stuck runs cleared during this load
}

// Observer receives scheduler lifecycle events. Calls happen on the
// scheduling goroutine and must not block.
type Observer interface {
	JobStarted(JobStartedEvent)
	JobFinished(JobFinishedEvent)
	JobsLoaded(JobsLoadedEvent)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnStarted  func(JobStartedEvent)
	OnFinished func(JobFinishedEvent)
	OnLoaded   func(JobsLoadedEvent)
}

func (o ObserverFuncs) JobStarted(e JobStartedEvent) {
	if o.OnStarted != nil {
		o.OnStarted(e)
	}
}

func (o ObserverFuncs) JobFinished(e JobFinishedEvent) {
	if o.OnFinished != nil {
		o.OnFinished(e)
	}
}

func (o ObserverFuncs) JobsLoaded(e JobsLoadedEvent) {
	if o.OnLoaded != nil {
		o.OnLoaded(e)
	}
}
