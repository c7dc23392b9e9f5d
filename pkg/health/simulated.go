package health

import (
	"context"
	"math/rand"
	"sync"
)

// SimulatedSource produces synthetic tick health with random variance around a base
// tick duration. Useful for demos and for exercising the limiter without a real loop.
type SimulatedSource struct {
	mu        sync.Mutex
	rng       *rand.Rand
	BaseTick  float64 // mean tick duration in ms
	SpikeProb float64 // probability of a tail spike per fetch
}

// NewSimulatedSource creates a deterministic source for the given seed.
func NewSimulatedSource(seed int64, baseTickMs float64) *SimulatedSource {
	return &SimulatedSource{
		rng:       rand.New(rand.NewSource(seed)),
		BaseTick:  baseTickMs,
		SpikeProb: 0.1,
	}
}

// FetchMetrics implements Source by generating synthetic data.
func (s *SimulatedSource) FetchMetrics(context.Context) (HealthData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// +/- 20% noise around the base
	avg := s.BaseTick * (0.8 + s.rng.Float64()*0.4)
	p99 := avg * 1.5
	if s.rng.Float64() < s.SpikeProb {
		p99 = avg * (3 + s.rng.Float64()*2)
	}
	if avg < 1.0 {
		avg = 1.0
	}

	tps := 20.0
	if avg > 50 {
		tps = 1000 / avg
	}
	lf := 1.0
	if p99 > 45 {
		lf = 45 / p99
	}
	if lf < 0.2 {
		lf = 0.2
	}

	return HealthData{
		TPS:        tps,
		AvgTickMs:  avg,
		P99TickMs:  p99,
		LoadFactor: lf,
		Degraded:   p99 > 45,
	}, nil
}
