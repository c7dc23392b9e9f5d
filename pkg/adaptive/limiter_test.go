package adaptive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterUpdateFactor(t *testing.T) {
	tests := []struct {
		factor     float64
		wantFactor float64
		wantLimit  float64
	}{
		{0.5, 0.5, 50},
		{1.0, 1.0, 100},
		{3.0, 1.0, 100},
		{0.0, 0.1, 10},
		{-1, 0.1, 10},
	}
	for _, tt := range tests {
		l := NewLimiter(100)
		l.UpdateFactor(tt.factor)
		assert.InDelta(t, tt.wantFactor, l.Factor(), 1e-9, "factor %v", tt.factor)
		assert.InDelta(t, tt.wantLimit, l.Limit(), 1e-9, "factor %v", tt.factor)
	}
}

func TestLimiterAllowRespectsBurst(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	l2 := NewLimiter(10)
	assert.True(t, l2.AllowN(10))
	assert.False(t, l2.AllowN(1))
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}
