package performance

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"TickGovernor/pkg/telemetry"
)

const (
	DefaultReportInterval   = 60 * time.Second
	DefaultRecoveryInterval = time.Second

	tickHistoryCap  = 1200
	tickHistoryTrim = 200
	taskHistoryCap  = 100
	taskHistoryTrim = 50

	maxTPS = 20.0
)

// SnapshotSink receives the periodic aggregate.
type SnapshotSink interface {
	RecordPerformanceSnapshot(m telemetry.PerformanceMetrics) bool
}

// TickStats is the bounded tick duration history.
type TickStats struct {
	durations []float64 // ms
	lastReset time.Time
}

// TaskMetrics is the bounded per-task duration history with derived counters.
type TaskMetrics struct {
	durations      []float64 // ms
	Runs           uint64
	Failures       uint64
	BudgetExceeded uint64
	MaxMs          float64
}

// TaskStats is the exported view of one task's metrics.
type TaskStats struct {
	Name           string
	Runs           uint64
	Failures       uint64
	BudgetExceeded uint64
	AvgMs          float64
	MaxMs          float64
}

// Config holds monitor options. Zero values fall back to the defaults.
type Config struct {
	ReportInterval   time.Duration
	RecoveryInterval time.Duration
	Budget           EntityBudget
	Sink             SnapshotSink
	Logger           *slog.Logger
	Now              func() time.Time
}

// Monitor records tick and task durations, derives TPS and per-task statistics, and
// drives the adaptive EntityBudget.
type Monitor struct {
	running    atomic.Bool
	totalTicks atomic.Uint64

	mu    sync.Mutex
	ticks TickStats
	tasks map[string]*TaskMetrics

	budgetMu     sync.RWMutex
	budget       EntityBudget
	lastRecovery time.Time

	reportInterval   time.Duration
	recoveryInterval time.Duration
	sink             SnapshotSink
	logger           *slog.Logger
	now              func() time.Time
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = DefaultReportInterval
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = DefaultRecoveryInterval
	}
	if cfg.Budget == (EntityBudget{}) {
		cfg.Budget = DefaultEntityBudget()
	}
	if !cfg.Budget.Bounds.Valid() {
		cfg.Budget.Bounds = DefaultBudgetBounds()
	}
	cfg.Budget.clamp()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Monitor{
		ticks:            TickStats{durations: make([]float64, 0, tickHistoryCap+1)},
		tasks:            make(map[string]*TaskMetrics),
		budget:           cfg.Budget,
		reportInterval:   cfg.ReportInterval,
		recoveryInterval: cfg.RecoveryInterval,
		sink:             cfg.Sink,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
}

// StartMonitoring enables recording.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.ticks.lastReset.IsZero() {
		m.ticks.lastReset = m.now()
	}
	m.mu.Unlock()
	m.running.Store(true)
}

// StopMonitoring disables recording. Metrics keep their last values.
func (m *Monitor) StopMonitoring() {
	m.running.Store(false)
}

// IsMonitoring reports whether recording is enabled.
func (m *Monitor) IsMonitoring() bool {
	return m.running.Load()
}

// RecordTickDuration appends a tick duration. Once per report interval the aggregate
// is forwarded to the sink; ticks over the throttle threshold shrink the entity budget.
func (m *Monitor) RecordTickDuration(d time.Duration) {
	if !m.running.Load() {
		return
	}
	now := m.now()
	m.totalTicks.Add(1)

	var report *telemetry.PerformanceMetrics
	m.mu.Lock()
	m.ticks.durations = append(m.ticks.durations, toMs(d))
	if len(m.ticks.durations) > tickHistoryCap {
		m.ticks.durations = append(m.ticks.durations[:0], m.ticks.durations[tickHistoryTrim:]...)
	}
	if now.Sub(m.ticks.lastReset) >= m.reportInterval {
		agg := m.aggregateLocked()
		report = &agg
	}
	m.mu.Unlock()

	// A rejected report leaves the timer alone so the next tick offers it again.
	if report != nil && (m.sink == nil || m.sink.RecordPerformanceSnapshot(*report)) {
		m.mu.Lock()
		m.ticks.lastReset = now
		m.mu.Unlock()
	}

	m.budgetMu.RLock()
	threshold := m.budget.ThrottleThreshold
	m.budgetMu.RUnlock()

	switch {
	case d > threshold:
		m.AdjustEntityBudget(d)
	case d < threshold/2:
		m.recoverBudget(now, d)
	}
}

// RecordTaskDuration appends one task run. A positive hint counts runs that exceeded it.
func (m *Monitor) RecordTaskDuration(name string, d, hint time.Duration) {
	if !m.running.Load() {
		return
	}
	ms := toMs(d)

	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.taskLocked(name)
	tm.durations = append(tm.durations, ms)
	if len(tm.durations) > taskHistoryCap {
		tm.durations = append(tm.durations[:0], tm.durations[taskHistoryTrim:]...)
	}
	tm.Runs++
	if ms > tm.MaxMs {
		tm.MaxMs = ms
	}
	if hint > 0 && d > hint {
		tm.BudgetExceeded++
	}
}

// RecordTaskFailure counts a failed or panicked task run.
func (m *Monitor) RecordTaskFailure(name string) {
	if !m.running.Load() {
		return
	}
	m.mu.Lock()
	m.taskLocked(name).Failures++
	m.mu.Unlock()
}

func (m *Monitor) taskLocked(name string) *TaskMetrics {
	tm, ok := m.tasks[name]
	if !ok {
		tm = &TaskMetrics{durations: make([]float64, 0, taskHistoryCap+1)}
		m.tasks[name] = tm
	}
	return tm
}

// AdjustEntityBudget applies one controller step for a tick of duration d.
func (m *Monitor) AdjustEntityBudget(d time.Duration) {
	m.budgetMu.Lock()
	if !m.budget.Adaptive {
		m.budgetMu.Unlock()
		return
	}
	changed := m.budget.Adjust(d)
	entities, chunks := m.budget.MaxEntitiesPerTick, m.budget.MaxChunkUpdatesPerTick
	threshold := m.budget.ThrottleThreshold
	m.budgetMu.Unlock()

	if changed && d > threshold {
		m.logger.Warn("tick over threshold, shrinking entity budget",
			slog.Duration("tick", d),
			slog.Duration("threshold", threshold),
			slog.Int("max_entities", entities),
			slog.Int("max_chunk_updates", chunks))
	}
}

// recoverBudget grows the budget at most once per recovery interval.
func (m *Monitor) recoverBudget(now time.Time, d time.Duration) {
	m.budgetMu.Lock()
	if !m.budget.Adaptive || now.Sub(m.lastRecovery) < m.recoveryInterval {
		m.budgetMu.Unlock()
		return
	}
	m.lastRecovery = now
	m.budgetMu.Unlock()

	m.AdjustEntityBudget(d)
}

// Metrics computes the current aggregate over the retained history.
func (m *Monitor) Metrics() telemetry.PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateLocked()
}

func (m *Monitor) aggregateLocked() telemetry.PerformanceMetrics {
	agg := telemetry.PerformanceMetrics{
		TotalTicks:   m.totalTicks.Load(),
		TPS:          maxTPS,
		TaskAverages: make(map[string]float64, len(m.tasks)),
	}
	if n := len(m.ticks.durations); n > 0 {
		sum, lo, hi := 0.0, math.MaxFloat64, 0.0
		for _, v := range m.ticks.durations {
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		agg.AvgTickMs = sum / float64(n)
		agg.MinTickMs = lo
		agg.MaxTickMs = hi
		agg.TPS = tpsFromMean(agg.AvgTickMs)
	}
	for name, tm := range m.tasks {
		agg.TaskAverages[name] = mean(tm.durations)
	}
	return agg
}

// TaskStats returns the metrics of one task.
func (m *Monitor) TaskStats(name string) (TaskStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.tasks[name]
	if !ok {
		return TaskStats{}, false
	}
	return tm.stats(name), true
}

// AllTaskStats returns the metrics of every task seen so far.
func (m *Monitor) AllTaskStats() []TaskStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskStats, 0, len(m.tasks))
	for name, tm := range m.tasks {
		out = append(out, tm.stats(name))
	}
	return out
}

func (tm *TaskMetrics) stats(name string) TaskStats {
	return TaskStats{
		Name:           name,
		Runs:           tm.Runs,
		Failures:       tm.Failures,
		BudgetExceeded: tm.BudgetExceeded,
		AvgMs:          mean(tm.durations),
		MaxMs:          tm.MaxMs,
	}
}

// TotalTicks returns the number of ticks recorded while monitoring.
func (m *Monitor) TotalTicks() uint64 {
	return m.totalTicks.Load()
}

// EntityBudget returns a copy of the current budget.
func (m *Monitor) EntityBudget() EntityBudget {
	m.budgetMu.RLock()
	defer m.budgetMu.RUnlock()
	return m.budget
}

// MaxEntitiesPerTick returns the current entity allowance.
func (m *Monitor) MaxEntitiesPerTick() int {
	m.budgetMu.RLock()
	defer m.budgetMu.RUnlock()
	return m.budget.MaxEntitiesPerTick
}

// MaxChunkUpdatesPerTick returns the current chunk update allowance.
func (m *Monitor) MaxChunkUpdatesPerTick() int {
	m.budgetMu.RLock()
	defer m.budgetMu.RUnlock()
	return m.budget.MaxChunkUpdatesPerTick
}

// SetEntityBudgetBounds replaces the bounds and clamps the current values into them.
// Invalid bounds are ignored and reported as false.
func (m *Monitor) SetEntityBudgetBounds(b BudgetBounds) bool {
	if !b.Valid() {
		return false
	}
	m.budgetMu.Lock()
	m.budget.Bounds = b
	m.budget.clamp()
	m.budgetMu.Unlock()
	return true
}

// SetThrottleThreshold changes the tick duration above which the budget shrinks.
func (m *Monitor) SetThrottleThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	m.budgetMu.Lock()
	m.budget.ThrottleThreshold = d
	m.budgetMu.Unlock()
}

// SetAdaptiveBudget toggles budget adjustment. When off the budget is frozen.
func (m *Monitor) SetAdaptiveBudget(enabled bool) {
	m.budgetMu.Lock()
	m.budget.Adaptive = enabled
	m.budgetMu.Unlock()
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func tpsFromMean(meanMs float64) float64 {
	if meanMs <= 0 {
		return maxTPS
	}
	return math.Min(1000/meanMs, maxTPS)
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
