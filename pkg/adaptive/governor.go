package adaptive

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	windowSize     = 100
	minSamples     = 10
	maxTPS         = 20.0
	minLoadFactor  = 0.2
	maxLoadFactor  = 1.0
	shrinkStep     = 0.95
	growStep       = 1.05
	recoveredAbove = 0.8
	stableStdDevMs = 5.0
)

// deferBelow holds, per priority tier, the load factor under which that tier is deferred.
// Tier 0 (critical) is never deferred.
var deferBelow = [...]float64{0, 0.3, 0.5, 0.7, 0.9}

// GovernorStats is a point-in-time view of the governor window.
type GovernorStats struct {
	LoadFactor float64
	Degraded   bool
	Enabled    bool
	Samples    int
	MeanMs     float64
	StdDevMs   float64
	P99Ms      float64
}

// Governor estimates load from a short rolling window of tick durations and decides
// which priority tiers should be deferred. Entry into degraded mode follows the tail
// (p99); exit requires a low and stable mean.
type Governor struct {
	loadFactor atomic.Uint64 // math.Float64bits
	degraded   atomic.Bool
	enabled    atomic.Bool

	mu       sync.Mutex
	window   [windowSize]float64
	head     int
	count    int
	sorted   []float64
	targetMs float64

	logger *slog.Logger
}

// NewGovernor creates an enabled governor aiming at the given tick duration.
func NewGovernor(target time.Duration, logger *slog.Logger) *Governor {
	if target <= 0 {
		target = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		targetMs: durationMs(target),
		sorted:   make([]float64, 0, windowSize),
		logger:   logger,
	}
	g.setLoadFactor(maxLoadFactor)
	g.enabled.Store(true)
	return g
}

// RecordTick pushes a tick duration into the window and, when enabled, recomputes the load factor.
func (g *Governor) RecordTick(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window[g.head] = durationMs(d)
	g.head = (g.head + 1) % windowSize
	if g.count < windowSize {
		g.count++
	}

	if g.enabled.Load() {
		g.recompute()
	}
}

// recompute must be called with g.mu held.
func (g *Governor) recompute() {
	if g.count < minSamples {
		return
	}
	mean, stddev := g.meanStdDev()
	p99 := g.percentile(99)
	lf := g.LoadFactor()

	switch {
	case p99 > 0.9*g.targetMs:
		lf = math.Max(lf*shrinkStep, minLoadFactor)
		g.setLoadFactor(lf)
		if !g.degraded.Swap(true) {
			g.logger.Warn("load governor entering degraded mode",
				slog.Float64("p99_ms", p99),
				slog.Float64("target_ms", g.targetMs),
				slog.Float64("load_factor", lf))
		}
	case mean < 0.5*g.targetMs && stddev < stableStdDevMs:
		lf = math.Min(lf*growStep, maxLoadFactor)
		g.setLoadFactor(lf)
		if lf > recoveredAbove && g.degraded.Swap(false) {
			g.logger.Info("load governor left degraded mode",
				slog.Float64("mean_ms", mean),
				slog.Float64("load_factor", lf))
		}
	}
}

// meanStdDev returns the mean and population standard deviation. Caller holds g.mu.
func (g *Governor) meanStdDev() (float64, float64) {
	if g.count == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < g.count; i++ {
		sum += g.window[i]
	}
	mean := sum / float64(g.count)
	var sq float64
	for i := 0; i < g.count; i++ {
		diff := g.window[i] - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(g.count))
}

// percentile sorts a copy of the window. Caller holds g.mu.
func (g *Governor) percentile(p float64) float64 {
	if g.count == 0 {
		return 0
	}
	g.sorted = append(g.sorted[:0], g.window[:g.count]...)
	sort.Float64s(g.sorted)
	idx := int(math.Ceil(float64(len(g.sorted)) * p / 100))
	if idx >= len(g.sorted) {
		idx = len(g.sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return g.sorted[idx]
}

// ShouldDefer reports whether work of the given priority tier (0 = critical,
// 4 = background) should be skipped at the current load factor.
func (g *Governor) ShouldDefer(tier int) bool {
	if tier <= 0 {
		return false
	}
	if tier >= len(deferBelow) {
		tier = len(deferBelow) - 1
	}
	return g.LoadFactor() < deferBelow[tier]
}

// TPS returns ticks per second derived from the mean window duration, capped at 20.
// An empty window is reported optimistically as 20.
func (g *Governor) TPS() float64 {
	g.mu.Lock()
	mean, _ := g.meanStdDev()
	g.mu.Unlock()
	return tpsFromMean(mean)
}

// Mean returns the mean tick duration of the window.
func (g *Governor) Mean() time.Duration {
	g.mu.Lock()
	mean, _ := g.meanStdDev()
	g.mu.Unlock()
	return msDuration(mean)
}

// Percentile returns the p-th percentile tick duration of the window.
func (g *Governor) Percentile(p float64) time.Duration {
	g.mu.Lock()
	v := g.percentile(p)
	g.mu.Unlock()
	return msDuration(v)
}

// LoadFactor returns the current load factor in [0.2, 1.0].
func (g *Governor) LoadFactor() float64 {
	return math.Float64frombits(g.loadFactor.Load())
}

func (g *Governor) setLoadFactor(v float64) {
	g.loadFactor.Store(math.Float64bits(v))
}

// IsDegraded reports whether the governor is in degraded mode.
func (g *Governor) IsDegraded() bool {
	return g.degraded.Load()
}

// SetEnabled toggles recomputation. When disabled the load factor is frozen.
func (g *Governor) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

// IsEnabled reports whether recomputation is active.
func (g *Governor) IsEnabled() bool {
	return g.enabled.Load()
}

// Stats returns a snapshot of the window statistics.
func (g *Governor) Stats() GovernorStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	mean, stddev := g.meanStdDev()
	return GovernorStats{
		LoadFactor: g.LoadFactor(),
		Degraded:   g.degraded.Load(),
		Enabled:    g.enabled.Load(),
		Samples:    g.count,
		MeanMs:     mean,
		StdDevMs:   stddev,
		P99Ms:      g.percentile(99),
	}
}

// Reset clears the window and restores the load factor to 1.0.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.head = 0
	g.count = 0
	g.setLoadFactor(maxLoadFactor)
	g.degraded.Store(false)
	g.mu.Unlock()
}

func tpsFromMean(meanMs float64) float64 {
	if meanMs <= 0 {
		return maxTPS
	}
	return math.Min(1000/meanMs, maxTPS)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
