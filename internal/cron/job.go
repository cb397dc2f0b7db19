// Package cron schedules and executes recurring agent jobs.
//
// A Job belongs to an owner (an agent) and pairs an immutable Definition with
// mutable RunState. The Scheduler keeps every job in memory, arms a single
// timer for the earliest due job and runs due jobs one after another through
// the Executor. Service is the control surface used by the CLI.
package cron

import (
	"time"
)

// ScheduleKind selects one of the three schedule variants.
type ScheduleKind string

const (
	// ScheduleAt fires once at an absolute instant.
	ScheduleAt ScheduleKind = "at"
	// ScheduleEvery fires on a fixed-period grid.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleCron fires on calendar expression matches.
	ScheduleCron ScheduleKind = "cron"
)

// Schedule describes when a job fires. Only the fields of Kind are used.
type Schedule struct {
	Kind ScheduleKind `json:"kind" yaml:"kind"`

	At *time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	EveryMs  int64  `json:"every_ms,omitempty" yaml:"every_ms,omitempty"`
	AnchorMs *int64 `json:"anchor_ms,omitempty" yaml:"anchor_ms,omitempty"` // nil means "now" at evaluation time

	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	TZ   string `json:"tz,omitempty" yaml:"tz,omitempty"`
}

// AtSchedule returns a one-shot schedule.
func AtSchedule(at time.Time) Schedule {
	return Schedule{Kind: ScheduleAt, At: &at}
}

// EverySchedule returns an unanchored fixed-period schedule.
func EverySchedule(every time.Duration) Schedule {
	return Schedule{Kind: ScheduleEvery, EveryMs: every.Milliseconds()}
}

// AnchoredEverySchedule returns a fixed-period schedule pinned to anchor.
func AnchoredEverySchedule(every time.Duration, anchor time.Time) Schedule {
	ms := anchor.UnixMilli()
	return Schedule{Kind: ScheduleEvery, EveryMs: every.Milliseconds(), AnchorMs: &ms}
}

// CronSchedule returns a calendar schedule evaluated in tz ("" means local).
func CronSchedule(expr, tz string) Schedule {
	return Schedule{Kind: ScheduleCron, Expr: expr, TZ: tz}
}

// PayloadKind selects what a job does when it runs.
type PayloadKind string

const (
	// PayloadHeartbeat wakes the owner for its periodic check.
	PayloadHeartbeat PayloadKind = "heartbeat"
	// PayloadAgentTurn runs one agent turn against Message.
	PayloadAgentTurn PayloadKind = "agent_turn"
)

// Payload is the unit of work a job performs.
type Payload struct {
	Kind    PayloadKind `json:"kind" yaml:"kind"`
	Message string      `json:"message,omitempty" yaml:"message,omitempty"`
	Deliver *bool       `json:"deliver,omitempty" yaml:"deliver,omitempty"` // nil means deliver
}

// ShouldDeliver reports whether agent turn output goes to the deliverer.
func (p Payload) ShouldDeliver() bool {
	return p.Kind == PayloadAgentTurn && (p.Deliver == nil || *p.Deliver)
}

// Definition is the user-editable part of a job.
type Definition struct {
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	Schedule       Schedule `json:"schedule" yaml:"schedule"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Payload        Payload  `json:"payload" yaml:"payload"`
	DeleteAfterRun *bool    `json:"delete_after_run,omitempty" yaml:"delete_after_run,omitempty"`
}

// RetiresAfterSuccess reports whether a successful run permanently disables
// the job. Only one-shot schedules retire, and only when not opted out.
func (d Definition) RetiresAfterSuccess() bool {
	if d.Schedule.Kind != ScheduleAt {
		return false
	}
	return d.DeleteAfterRun == nil || *d.DeleteAfterRun
}

// RunStatus is the outcome of one execution attempt.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// RunState is the mutable, persisted part of a job.
type RunState struct {
	NextRunAt         *time.Time `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastDurationMs    *int64     `json:"last_duration_ms,omitempty" yaml:"last_duration_ms,omitempty"`
	LastStatus        RunStatus  `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastError         string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RunningAt         *time.Time `json:"running_at,omitempty" yaml:"running_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors" yaml:"consecutive_errors"`
}

// Job is a named, owner-scoped unit of scheduled work.
type Job struct {
	Slug       string     `json:"slug" yaml:"slug"`
	OwnerID    string     `json:"owner_id" yaml:"owner_id"`
	Definition Definition `json:"definition" yaml:"definition"`
	State      RunState   `json:"state" yaml:"state"`
}

// Key returns the job identity "owner/slug".
func (j Job) Key() string {
	return jobKey(j.OwnerID, j.Slug)
}

// IsDue reports whether the job should run at now.
func (j Job) IsDue(now time.Time) bool {
	return j.Definition.Enabled &&
		j.State.RunningAt == nil &&
		j.State.NextRunAt != nil &&
		!now.Before(*j.State.NextRunAt)
}

// Clone returns a deep copy so callers cannot alias scheduler state.
func (j Job) Clone() Job {
	c := j
	c.Definition.Schedule.At = cloneTime(j.Definition.Schedule.At)
	c.Definition.Schedule.AnchorMs = cloneInt64(j.Definition.Schedule.AnchorMs)
	c.Definition.Payload.Deliver = cloneBool(j.Definition.Payload.Deliver)
	c.Definition.DeleteAfterRun = cloneBool(j.Definition.DeleteAfterRun)
	c.State = j.State.Clone()
	return c
}

// Clone returns a deep copy of the state.
func (s RunState) Clone() RunState {
	c := s
	c.NextRunAt = cloneTime(s.NextRunAt)
	c.LastRunAt = cloneTime(s.LastRunAt)
	c.LastDurationMs = cloneInt64(s.LastDurationMs)
	c.RunningAt = cloneTime(s.RunningAt)
	return c
}

func jobKey(ownerID, slug string) string {
	return ownerID + "/" + slug
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// BoolPtr is a helper for optional definition flags.
func BoolPtr(v bool) *bool {
	return &v
}
