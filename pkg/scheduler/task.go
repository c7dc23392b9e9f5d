package scheduler

import (
	"context"
	"time"
)

// Priority orders tasks within a tick. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Job is the opaque unit of work a task invokes. Implementations must not block on
// I/O; wrap such work with Async.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

// Execute implements Job.
func (f JobFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// TaskID identifies a registered task. IDs increase with registration order.
type TaskID uint64

// Task describes a periodic unit of work.
type Task struct {
	Name       string
	Priority   Priority
	Interval   uint64        // ticks between runs, 0 is treated as 1
	Enabled    bool
	BudgetHint time.Duration // expected cost; runs above it are counted by the monitor
	Job        Job           // nil jobs are timed as no-ops
}

// TaskInfo is a read-only view of a registered task.
type TaskInfo struct {
	ID         TaskID
	Name       string
	Priority   Priority
	Interval   uint64
	Enabled    bool
	BudgetHint time.Duration
	LastRun    uint64
	HasRun     bool
}

type taskEntry struct {
	Task
	id      TaskID
	lastRun uint64
	hasRun  bool
}

func (e *taskEntry) due(tick uint64) bool {
	if !e.Enabled {
		return false
	}
	return !e.hasRun || tick-e.lastRun >= e.Interval
}

func (e *taskEntry) info() TaskInfo {
	return TaskInfo{
		ID:         e.id,
		Name:       e.Name,
		Priority:   e.Priority,
		Interval:   e.Interval,
		Enabled:    e.Enabled,
		BudgetHint: e.BudgetHint,
		LastRun:    e.lastRun,
		HasRun:     e.hasRun,
	}
}
