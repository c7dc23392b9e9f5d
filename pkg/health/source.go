package health

import (
	"context"
	"time"
)

// HealthData represents the tick health signals the adaptive limiter reacts to.
type HealthData struct {
	TPS        float64 // realized ticks per second, e.g. 19.6
	AvgTickMs  float64 // mean tick duration in milliseconds
	P99TickMs  float64 // tail tick duration in milliseconds
	LoadFactor float64 // governor load factor in [0.2, 1.0], 0 when unknown
	Degraded   bool
}

// Source is the interface for any component providing tick health.
type Source interface {
	// FetchMetrics retrieves the current health data from the source.
	FetchMetrics(ctx context.Context) (HealthData, error)
}

// LoadReader is the read side of an in-process load governor.
type LoadReader interface {
	TPS() float64
	Mean() time.Duration
	Percentile(p float64) time.Duration
	LoadFactor() float64
	IsDegraded() bool
}

// LocalSource reads health straight from an in-process governor.
type LocalSource struct {
	Governor LoadReader
}

// NewLocalSource creates a source backed by the given governor.
func NewLocalSource(g LoadReader) *LocalSource {
	return &LocalSource{Governor: g}
}

// FetchMetrics implements Source. It never fails.
func (s *LocalSource) FetchMetrics(context.Context) (HealthData, error) {
	return HealthData{
		TPS:        s.Governor.TPS(),
		AvgTickMs:  toMs(s.Governor.Mean()),
		P99TickMs:  toMs(s.Governor.Percentile(99)),
		LoadFactor: s.Governor.LoadFactor(),
		Degraded:   s.Governor.IsDegraded(),
	}, nil
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
