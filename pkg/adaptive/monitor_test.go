package adaptive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TickGovernor/pkg/health"
)

type stubSource struct {
	data health.HealthData
	err  error
}

func (s *stubSource) FetchMetrics(context.Context) (health.HealthData, error) {
	return s.data, s.err
}

func TestCalculateFactor(t *testing.T) {
	tests := []struct {
		name string
		data health.HealthData
		want float64
	}{
		{"no signal", health.HealthData{}, 1.0},
		{"healthy", health.HealthData{TPS: 20, P99TickMs: 30, LoadFactor: 1}, 1.0},
		{"tail over target", health.HealthData{TPS: 20, P99TickMs: 100, LoadFactor: 1}, 0.5},
		{"tps drop dominates", health.HealthData{TPS: 5, P99TickMs: 60, LoadFactor: 1}, 0.25},
		{"governor dominates", health.HealthData{TPS: 20, P99TickMs: 40, LoadFactor: 0.3}, 0.3},
		{"floored", health.HealthData{TPS: 1, P99TickMs: 5000, LoadFactor: 0.2}, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateFactor(tt.data, 50*time.Millisecond), 1e-9)
		})
	}
}

func TestMonitorStepAppliesFactor(t *testing.T) {
	lim := NewLimiter(100)
	src := &stubSource{data: health.HealthData{TPS: 20, P99TickMs: 100, LoadFactor: 1}}
	m := NewMonitor(lim, src, time.Second, 50*time.Millisecond, nil)

	m.Step(context.Background())
	assert.InDelta(t, 0.5, lim.Factor(), 1e-9)

	src.err = errors.New("prometheus unreachable")
	src.data = health.HealthData{TPS: 20, P99TickMs: 10, LoadFactor: 1}
	m.Step(context.Background())
	assert.InDelta(t, 0.5, lim.Factor(), 1e-9, "fetch errors keep the current rate")
}

func TestMonitorFollowsLocalGovernor(t *testing.T) {
	g := NewGovernor(50*time.Millisecond, nil)
	feed(g, 200, 200*time.Millisecond)
	require.True(t, g.IsDegraded())

	lim := NewLimiter(100)
	m := NewMonitor(lim, health.NewLocalSource(g), time.Second, 50*time.Millisecond, nil)
	m.Step(context.Background())

	assert.InDelta(t, 0.2, lim.Factor(), 1e-9)
	assert.InDelta(t, 20.0, lim.Limit(), 1e-9)
}

func TestMonitorWithSimulatedSourceStaysInRange(t *testing.T) {
	lim := NewLimiter(50)
	m := NewMonitor(lim, health.NewSimulatedSource(7, 40), time.Second, 50*time.Millisecond, nil)
	for i := 0; i < 50; i++ {
		m.Step(context.Background())
		require.GreaterOrEqual(t, lim.Factor(), 0.1)
		require.LessOrEqual(t, lim.Factor(), 1.0)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	lim := NewLimiter(100)
	src := &stubSource{data: health.HealthData{TPS: 10}}
	m := NewMonitor(lim, src, 2*time.Millisecond, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return lim.Factor() < 1.0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.InDelta(t, 0.5, lim.Factor(), 1e-9)
}
