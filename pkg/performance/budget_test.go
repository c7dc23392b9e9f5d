package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustShrinksMonotonicallyToFloor(t *testing.T) {
	b := DefaultEntityBudget()
	b.MaxEntitiesPerTick = 200
	b.MaxChunkUpdatesPerTick = 100

	prev := b.MaxEntitiesPerTick
	for i := 0; i < 50; i++ {
		b.Adjust(90 * time.Millisecond)
		require.LessOrEqual(t, b.MaxEntitiesPerTick, prev)
		require.GreaterOrEqual(t, b.MaxEntitiesPerTick, 10)
		require.GreaterOrEqual(t, b.MaxChunkUpdatesPerTick, 5)
		if prev > 10 {
			require.Less(t, b.MaxEntitiesPerTick, prev)
		}
		prev = b.MaxEntitiesPerTick
	}
	assert.Equal(t, 10, b.MaxEntitiesPerTick)
	assert.Equal(t, 5, b.MaxChunkUpdatesPerTick)
}

func TestAdjustGrowsMonotonicallyToCeiling(t *testing.T) {
	b := DefaultEntityBudget()
	b.MaxEntitiesPerTick = 10
	b.MaxChunkUpdatesPerTick = 5

	prev := b.MaxEntitiesPerTick
	for i := 0; i < 100; i++ {
		b.Adjust(5 * time.Millisecond)
		require.GreaterOrEqual(t, b.MaxEntitiesPerTick, prev)
		require.LessOrEqual(t, b.MaxEntitiesPerTick, 200)
		require.LessOrEqual(t, b.MaxChunkUpdatesPerTick, 100)
		prev = b.MaxEntitiesPerTick
	}
	assert.Equal(t, 200, b.MaxEntitiesPerTick)
	assert.Equal(t, 100, b.MaxChunkUpdatesPerTick)
}

func TestAdjustStepSizes(t *testing.T) {
	tests := []struct {
		name         string
		tick         time.Duration
		wantEntities int
		wantChunks   int
		wantChanged  bool
	}{
		{"small overage", 54 * time.Millisecond, 80, 40, true},    // 20% over
		{"shrink capped at half", 450 * time.Millisecond, 50, 25, true},
		{"dead band", 30 * time.Millisecond, 100, 50, false},
		{"at threshold", 45 * time.Millisecond, 100, 50, false},
		{"grow", 10 * time.Millisecond, 105, 52, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := DefaultEntityBudget()
			changed := b.Adjust(tt.tick)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantEntities, b.MaxEntitiesPerTick)
			assert.Equal(t, tt.wantChunks, b.MaxChunkUpdatesPerTick)
		})
	}
}

func TestBudgetBoundsValid(t *testing.T) {
	assert.True(t, DefaultBudgetBounds().Valid())
	assert.False(t, BudgetBounds{MinEntities: 50, MaxEntities: 10, MinChunkUpdates: 1, MaxChunkUpdates: 2}.Valid())
	assert.False(t, BudgetBounds{}.Valid())
}
