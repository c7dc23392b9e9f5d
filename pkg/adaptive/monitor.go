package adaptive

import (
	"context"
	"log/slog"
	"time"

	"TickGovernor/pkg/health"
)

// Monitor manages the background routine that rescales the peripheral work limiter.
type Monitor struct {
	Limiter    *Limiter
	Source     health.Source
	Interval   time.Duration
	TargetTick time.Duration

	logger *slog.Logger
}

// NewMonitor creates a new instance of the adaptive monitor.
func NewMonitor(limiter *Limiter, source health.Source, interval, targetTick time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		Limiter:    limiter,
		Source:     source,
		Interval:   interval,
		TargetTick: targetTick,
		logger:     logger,
	}
}

// Run runs the check-and-adjust loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.logger.Info("adaptive limiter monitor started",
		slog.Duration("interval", m.Interval),
		slog.Float64("base_rate", m.Limiter.BaseRate))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Step(ctx)
		}
	}
}

// Step fetches health once and applies the resulting factor. On a fetch error the
// current rate is kept.
func (m *Monitor) Step(ctx context.Context) {
	data, err := m.Source.FetchMetrics(ctx)
	if err != nil {
		m.logger.Warn("fetching health metrics failed, keeping current rate",
			slog.String("error", err.Error()))
		return
	}

	m.Limiter.UpdateFactor(calculateFactor(data, m.TargetTick))
}

// calculateFactor determines the throttling factor (0.1 to 1.0) from tick health.
// The most stressed signal dictates the throttle.
func calculateFactor(data health.HealthData, targetTick time.Duration) float64 {
	factor := 1.0

	if data.P99TickMs > 0 && targetTick > 0 {
		factor = min(factor, durationMs(targetTick)/data.P99TickMs)
	}
	if data.TPS > 0 {
		factor = min(factor, data.TPS/maxTPS)
	}
	if data.LoadFactor > 0 {
		factor = min(factor, data.LoadFactor)
	}

	if factor > 1.0 {
		return 1.0
	}
	// floor keeps peripheral work from stopping entirely
	if factor < 0.1 {
		return 0.1
	}
	return factor
}
