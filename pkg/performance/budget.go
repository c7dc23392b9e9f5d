package performance

import (
	"time"
)

const (
	DefaultThrottleThreshold = 45 * time.Millisecond

	maxShrinkFraction = 0.5
	entityGrowStep    = 5
	chunkGrowStep     = 2
)

// BudgetBounds limits the adaptive entity budget.
type BudgetBounds struct {
	MinEntities     int
	MaxEntities     int
	MinChunkUpdates int
	MaxChunkUpdates int
}

// DefaultBudgetBounds returns [10,200] entities and [5,100] chunk updates.
func DefaultBudgetBounds() BudgetBounds {
	return BudgetBounds{
		MinEntities:     10,
		MaxEntities:     200,
		MinChunkUpdates: 5,
		MaxChunkUpdates: 100,
	}
}

// EntityBudget is the per-tick allowance downstream entity and chunk processing
// consults to shed load. Values never leave Bounds.
type EntityBudget struct {
	MaxEntitiesPerTick     int
	MaxChunkUpdatesPerTick int
	ThrottleThreshold      time.Duration
	Adaptive               bool
	Bounds                 BudgetBounds
}

// DefaultEntityBudget returns an adaptive budget starting halfway up its bounds.
func DefaultEntityBudget() EntityBudget {
	return EntityBudget{
		MaxEntitiesPerTick:     100,
		MaxChunkUpdatesPerTick: 50,
		ThrottleThreshold:      DefaultThrottleThreshold,
		Adaptive:               true,
		Bounds:                 DefaultBudgetBounds(),
	}
}

// Adjust applies one controller step for a tick of duration d and reports whether
// the budget changed.
//
// Above the threshold both fields shrink by the relative overage, at most 50% per
// step. Below half the threshold they grow by fixed increments. In between nothing
// happens.
func (b *EntityBudget) Adjust(d time.Duration) bool {
	if b.ThrottleThreshold <= 0 {
		return false
	}
	entities, chunks := b.MaxEntitiesPerTick, b.MaxChunkUpdatesPerTick

	switch {
	case d > b.ThrottleThreshold:
		overage := float64(d-b.ThrottleThreshold) / float64(b.ThrottleThreshold)
		frac := min(overage, maxShrinkFraction)
		b.MaxEntitiesPerTick = max(int(float64(entities)*(1-frac)), b.Bounds.MinEntities)
		b.MaxChunkUpdatesPerTick = max(int(float64(chunks)*(1-frac)), b.Bounds.MinChunkUpdates)
	case d < b.ThrottleThreshold/2:
		b.MaxEntitiesPerTick = min(entities+entityGrowStep, b.Bounds.MaxEntities)
		b.MaxChunkUpdatesPerTick = min(chunks+chunkGrowStep, b.Bounds.MaxChunkUpdates)
	}

	return entities != b.MaxEntitiesPerTick || chunks != b.MaxChunkUpdatesPerTick
}

// clamp pulls both fields back inside Bounds.
func (b *EntityBudget) clamp() {
	b.MaxEntitiesPerTick = min(max(b.MaxEntitiesPerTick, b.Bounds.MinEntities), b.Bounds.MaxEntities)
	b.MaxChunkUpdatesPerTick = min(max(b.MaxChunkUpdatesPerTick, b.Bounds.MinChunkUpdates), b.Bounds.MaxChunkUpdates)
}

// Valid reports whether the bounds are usable.
func (bb BudgetBounds) Valid() bool {
	return bb.MinEntities > 0 && bb.MinEntities <= bb.MaxEntities &&
		bb.MinChunkUpdates > 0 && bb.MinChunkUpdates <= bb.MaxChunkUpdates
}
