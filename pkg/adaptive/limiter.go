package adaptive

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces peripheral work (entity and chunk processing, background I/O) at a
// base rate scaled by the current load factor.
type Limiter struct {
	mu                sync.RWMutex
	BaseRate          float64 // operations per second at factor 1.0
	factor            float64
	underlyingLimiter *rate.Limiter
}

// NewLimiter creates a limiter running at its full base rate.
func NewLimiter(baseRate float64) *Limiter {
	return &Limiter{
		BaseRate:          baseRate,
		factor:            maxLoadFactor,
		underlyingLimiter: rate.NewLimiter(rate.Limit(baseRate), burstFor(baseRate)),
	}
}

// Allow reports whether one unit of peripheral work may run now.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.underlyingLimiter.Allow()
}

// AllowN reports whether n units may run now.
func (l *Limiter) AllowN(n int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.underlyingLimiter.AllowN(time.Now(), n)
}

// Wait blocks until a unit is available or ctx is done. Never call it from a tick.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.underlyingLimiter
	l.mu.RUnlock()

	return lim.Wait(ctx)
}

// UpdateFactor rescales the rate. The factor is clamped to [0.1, 1.0].
func (l *Limiter) UpdateFactor(factor float64) {
	factor = math.Max(0.1, math.Min(factor, 1.0))

	l.mu.Lock()
	defer l.mu.Unlock()

	l.factor = factor
	newRate := l.BaseRate * factor
	l.underlyingLimiter.SetLimit(rate.Limit(newRate))
	l.underlyingLimiter.SetBurst(burstFor(newRate))
}

// Factor returns the factor last applied.
func (l *Limiter) Factor() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.factor
}

// Limit returns the current rate in operations per second.
func (l *Limiter) Limit() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return float64(l.underlyingLimiter.Limit())
}

func burstFor(r float64) int {
	b := int(math.Ceil(r))
	if b < 1 {
		return 1
	}
	return b
}
