package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Recorder receives the durations measured by the scheduler.
type Recorder interface {
	RecordTaskDuration(name string, d, hint time.Duration)
	RecordTaskFailure(name string)
	RecordTickDuration(d time.Duration)
}

// TierGate decides whether a priority tier should be shed this tick.
type TierGate interface {
	ShouldDefer(tier int) bool
}

// Options configures a Scheduler.
type Options struct {
	TickBudget         time.Duration
	AdaptiveThrottling bool
	Recorder           Recorder
	Gate               TierGate
	Logger             *slog.Logger
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick     uint64
	Executed int
	Deferred int // budget and gate deferrals
	Shed     int // the part of Deferred skipped by the tier gate
	Failed   int
	Duration time.Duration
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Tick               uint64
	Running            bool
	Tasks              int
	DeferredTotal      uint64
	FailedTotal        uint64
	TickBudget         time.Duration
	AdaptiveThrottling bool
}

// Scheduler runs prioritized periodic tasks inside a soft per-tick time budget.
//
// Structural changes take a short exclusive lock; the hot scalars are atomics. Task
// bodies never run while the lock is held, so a task may register or disable tasks.
type Scheduler struct {
	tick          atomic.Uint64
	running       atomic.Bool
	budget        atomic.Int64 // time.Duration
	throttling    atomic.Bool
	nextID        atomic.Uint64
	deferredTotal atomic.Uint64
	failedTotal   atomic.Uint64

	mu    sync.Mutex
	tasks map[TaskID]*taskEntry

	recorder Recorder
	gate     TierGate
	logger   *slog.Logger
	warn     rate.Sometimes
	shedWarn rate.Sometimes
}

// New creates a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		tasks:    make(map[TaskID]*taskEntry),
		recorder: opts.Recorder,
		gate:     opts.Gate,
		logger:   opts.Logger,
		warn:     rate.Sometimes{Interval: time.Second},
		shedWarn: rate.Sometimes{Interval: time.Second},
	}
	s.SetTickBudget(opts.TickBudget)
	s.SetAdaptiveThrottling(opts.AdaptiveThrottling)
	return s
}

// RegisterTask adds a task and returns its id. The task is due on the first tick after
// registration when enabled.
func (s *Scheduler) RegisterTask(t Task) TaskID {
	if t.Interval == 0 {
		t.Interval = 1
	}
	id := TaskID(s.nextID.Add(1))

	s.mu.Lock()
	s.tasks[id] = &taskEntry{Task: t, id: id}
	s.mu.Unlock()

	s.logger.Debug("task registered",
		slog.String("task", t.Name),
		slog.String("priority", t.Priority.String()),
		slog.Uint64("interval", t.Interval))
	return id
}

// UnregisterTask removes a task. It reports whether the id existed.
func (s *Scheduler) UnregisterTask(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// SetTaskEnabled enables or disables a task. It reports whether the id existed.
func (s *Scheduler) SetTaskEnabled(id TaskID, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return false
	}
	e.Enabled = enabled
	return true
}

// Task returns a view of one task.
func (s *Scheduler) Task(id TaskID) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return e.info(), true
}

// Tasks returns every task in execution order.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.info())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetTickBudget sets the soft budget for cumulative task cost per tick. Negative
// values are treated as zero. Takes effect from the next tick.
func (s *Scheduler) SetTickBudget(d time.Duration) {
	s.budget.Store(int64(max(d, 0)))
}

// TickBudget returns the current tick budget.
func (s *Scheduler) TickBudget() time.Duration {
	return time.Duration(s.budget.Load())
}

// SetAdaptiveThrottling toggles budget enforcement.
func (s *Scheduler) SetAdaptiveThrottling(enabled bool) {
	s.throttling.Store(enabled)
}

// AdaptiveThrottling reports whether budget enforcement is on.
func (s *Scheduler) AdaptiveThrottling() bool {
	return s.throttling.Load()
}

// Start moves the scheduler to Running.
func (s *Scheduler) Start() {
	if !s.running.Swap(true) {
		s.logger.Info("scheduler started",
			slog.Duration("tick_budget", s.TickBudget()),
			slog.Bool("adaptive_throttling", s.AdaptiveThrottling()))
	}
}

// Stop moves the scheduler to Stopped. An in-flight tick finishes the tasks it selected.
func (s *Scheduler) Stop() {
	if s.running.Swap(false) {
		s.logger.Info("scheduler stopped", slog.Uint64("tick", s.tick.Load()))
	}
}

// IsRunning reports whether the scheduler is Running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Tick runs every due task in priority order, registration order breaking ties.
// With adaptive throttling on, once the cost accumulated in this tick reaches the
// budget the remaining due tasks are deferred: they keep their last run and stay due.
// A stopped scheduler returns a zero report.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	if !s.running.Load() {
		return TickReport{}
	}
	start := time.Now()
	tick := s.tick.Add(1)
	report := TickReport{Tick: tick}

	due := s.collectDue(tick)
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].id < due[j].id
	})

	budget := s.TickBudget()
	throttling := s.AdaptiveThrottling()
	executed := make([]TaskID, 0, len(due))
	var spent time.Duration

	for _, t := range due {
		if throttling && spent >= budget {
			report.Deferred++
			continue
		}
		if s.gate != nil && t.Priority != PriorityCritical && s.gate.ShouldDefer(int(t.Priority)) {
			report.Deferred++
			report.Shed++
			continue
		}

		d, err := s.runTask(ctx, t.Task)
		spent += d
		executed = append(executed, t.id)
		report.Executed++

		if s.recorder != nil {
			s.recorder.RecordTaskDuration(t.Name, d, t.BudgetHint)
		}
		if err != nil {
			report.Failed++
			if s.recorder != nil {
				s.recorder.RecordTaskFailure(t.Name)
			}
			s.logger.Error("task failed",
				slog.String("task", t.Name),
				slog.Uint64("tick", tick),
				slog.String("error", err.Error()))
		}
	}

	s.markRun(executed, tick)

	if report.Deferred > 0 {
		s.deferredTotal.Add(uint64(report.Deferred))
	}
	if overBudget := report.Deferred - report.Shed; overBudget > 0 {
		s.warn.Do(func() {
			s.logger.Warn("tick budget exhausted, deferring tasks",
				slog.Uint64("tick", tick),
				slog.Int("deferred", overBudget),
				slog.Duration("spent", spent),
				slog.Duration("budget", budget))
		})
	}
	if report.Shed > 0 {
		s.shedWarn.Do(func() {
			s.logger.Warn("load governor shedding low priority tasks",
				slog.Uint64("tick", tick),
				slog.Int("shed", report.Shed))
		})
	}
	if report.Failed > 0 {
		s.failedTotal.Add(uint64(report.Failed))
	}

	report.Duration = time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordTickDuration(report.Duration)
	}
	return report
}

// collectDue snapshots the due tasks so no lock is held while they run.
func (s *Scheduler) collectDue(tick uint64) []taskEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		if e.due(tick) {
			due = append(due, *e)
		}
	}
	return due
}

func (s *Scheduler) markRun(ids []TaskID, tick uint64) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.tasks[id]; ok {
			e.lastRun = tick
			e.hasRun = true
		}
	}
}

// runTask invokes one job, converting a panic into an error.
func (s *Scheduler) runTask(ctx context.Context, t Task) (d time.Duration, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", t.Name, r)
		}
		d = time.Since(start)
	}()

	if t.Job == nil {
		return 0, nil
	}
	return 0, t.Job.Execute(ctx)
}

// CurrentTick returns the number of ticks executed so far.
func (s *Scheduler) CurrentTick() uint64 {
	return s.tick.Load()
}

// DeferredTotal returns the cumulative number of deferred task runs.
func (s *Scheduler) DeferredTotal() uint64 {
	return s.deferredTotal.Load()
}

// FailedTotal returns the cumulative number of failed task runs.
func (s *Scheduler) FailedTotal() uint64 {
	return s.failedTotal.Load()
}

// TaskCount returns the number of registered tasks.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stats returns a snapshot of the scheduler counters and knobs.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Tick:               s.CurrentTick(),
		Running:            s.IsRunning(),
		Tasks:              s.TaskCount(),
		DeferredTotal:      s.DeferredTotal(),
		FailedTotal:        s.FailedTotal(),
		TickBudget:         s.TickBudget(),
		AdaptiveThrottling: s.AdaptiveThrottling(),
	}
}
