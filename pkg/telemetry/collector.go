package telemetry

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSampleInterval = 60 * time.Second
	DefaultMaxSnapshots   = 1000
)

// PerformanceMetrics is the aggregate a performance monitor hands over once per reporting window.
type PerformanceMetrics struct {
	AvgTickMs    float64            `json:"avg_tick_ms"`
	MinTickMs    float64            `json:"min_tick_ms"`
	MaxTickMs    float64            `json:"max_tick_ms"`
	TPS          float64            `json:"tps"`
	TotalTicks   uint64             `json:"total_ticks"`
	TaskAverages map[string]float64 `json:"task_averages,omitempty"`
}

// Snapshot is an immutable, timestamped entry in the collector history.
type Snapshot struct {
	Timestamp   time.Time           `json:"timestamp"`
	TickCount   uint64              `json:"tick_count"`
	Performance *PerformanceMetrics `json:"performance,omitempty"`
	Counts      map[string]int64    `json:"counts,omitempty"`
}

// clone returns a copy that shares no maps or pointers with s.
func (s Snapshot) clone() Snapshot {
	if s.Performance != nil {
		perf := *s.Performance
		perf.TaskAverages = maps.Clone(perf.TaskAverages)
		s.Performance = &perf
	}
	s.Counts = maps.Clone(s.Counts)
	return s
}

// Export is the aggregate view over every retained snapshot.
type Export struct {
	TotalTicks    uint64  `json:"total_ticks"`
	SnapshotCount int     `json:"snapshot_count"`
	AvgTPS        float64 `json:"avg_tps"`
	AvgTickMs     float64 `json:"avg_tick_ms"`
	MaxTickMs     float64 `json:"max_tick_ms"`
}

// Publisher receives accepted snapshots. Implementations must not block.
type Publisher interface {
	Publish(s Snapshot) bool
}

// Config holds collector options. Zero values fall back to the defaults.
type Config struct {
	SampleInterval time.Duration
	MaxSnapshots   int
	Publisher      Publisher
	Logger         *slog.Logger
	Now            func() time.Time
}

// Collector turns high-frequency performance output into a bounded history of coarse snapshots.
type Collector struct {
	ticks atomic.Uint64

	mu         sync.RWMutex
	snapshots  []Snapshot
	lastSample time.Time
	counts     map[string]int64

	sampleInterval time.Duration
	maxSnapshots   int
	publisher      Publisher
	logger         *slog.Logger
	now            func() time.Time
}

// NewCollector creates a collector.
func NewCollector(cfg Config) *Collector {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		snapshots:      make([]Snapshot, 0, min(cfg.MaxSnapshots, 64)),
		counts:         make(map[string]int64),
		sampleInterval: cfg.SampleInterval,
		maxSnapshots:   cfg.MaxSnapshots,
		publisher:      cfg.Publisher,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// RecordTick bumps the activity counter. It is independent of any scheduler tick counter.
func (c *Collector) RecordTick() {
	c.ticks.Add(1)
}

// TotalTicks returns the activity counter.
func (c *Collector) TotalTicks() uint64 {
	return c.ticks.Load()
}

// SetCount sets an auxiliary count that is copied into every later snapshot.
func (c *Collector) SetCount(name string, v int64) {
	c.mu.Lock()
	c.counts[name] = v
	c.mu.Unlock()
}

// RecordPerformanceSnapshot stores a snapshot unless one was already accepted within the
// sample interval. It reports whether the snapshot was stored.
func (c *Collector) RecordPerformanceSnapshot(m PerformanceMetrics) bool {
	now := c.now()

	c.mu.Lock()
	if !c.lastSample.IsZero() && now.Sub(c.lastSample) < c.sampleInterval {
		c.mu.Unlock()
		return false
	}
	c.lastSample = now

	snap := Snapshot{
		Timestamp:   now,
		TickCount:   c.ticks.Load(),
		Performance: &m,
	}
	if len(c.counts) > 0 {
		snap.Counts = c.counts
	}
	snap = snap.clone()

	if len(c.snapshots) >= c.maxSnapshots {
		copy(c.snapshots, c.snapshots[1:])
		c.snapshots = c.snapshots[:len(c.snapshots)-1]
	}
	c.snapshots = append(c.snapshots, snap)
	c.mu.Unlock()

	if c.publisher != nil && !c.publisher.Publish(snap.clone()) {
		c.logger.Warn("telemetry snapshot dropped by publisher",
			slog.Time("timestamp", snap.Timestamp))
	}
	return true
}

// GetRecentSnapshots returns up to n of the newest snapshots, oldest first.
func (c *Collector) GetRecentSnapshots(n int) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 {
		return []Snapshot{}
	}
	if n > len(c.snapshots) {
		n = len(c.snapshots)
	}
	out := make([]Snapshot, 0, n)
	for _, snap := range c.snapshots[len(c.snapshots)-n:] {
		out = append(out, snap.clone())
	}
	return out
}

// GetSnapshotsSince returns every snapshot taken at or after t, oldest first.
func (c *Collector) GetSnapshotsSince(t time.Time) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []Snapshot{}
	for _, s := range c.snapshots {
		if !s.Timestamp.Before(t) {
			out = append(out, s.clone())
		}
	}
	return out
}

// ExportMetrics aggregates the retained snapshots. An empty history yields zero averages.
func (c *Collector) ExportMetrics() Export {
	c.mu.RLock()
	defer c.mu.RUnlock()

	exp := Export{
		TotalTicks:    c.ticks.Load(),
		SnapshotCount: len(c.snapshots),
	}

	var sumTPS, sumTick float64
	var n int
	for _, s := range c.snapshots {
		if s.Performance == nil {
			continue
		}
		n++
		sumTPS += s.Performance.TPS
		sumTick += s.Performance.AvgTickMs
		if s.Performance.MaxTickMs > exp.MaxTickMs {
			exp.MaxTickMs = s.Performance.MaxTickMs
		}
	}
	if n > 0 {
		exp.AvgTPS = sumTPS / float64(n)
		exp.AvgTickMs = sumTick / float64(n)
	}
	return exp
}

// Reset drops every snapshot and the rate-limit timer. The activity counter is kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.snapshots = c.snapshots[:0]
	c.lastSample = time.Time{}
	c.mu.Unlock()
}
