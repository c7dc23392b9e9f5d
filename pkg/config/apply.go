package config

import (
	"time"

	"TickGovernor/pkg/performance"
)

// SchedulerKnobs are the scheduler settings that can change at runtime.
type SchedulerKnobs interface {
	SetTickBudget(time.Duration)
	SetAdaptiveThrottling(bool)
}

// BudgetKnobs are the performance monitor settings that can change at runtime.
type BudgetKnobs interface {
	SetEntityBudgetBounds(performance.BudgetBounds) bool
	SetThrottleThreshold(time.Duration)
	SetAdaptiveBudget(bool)
}

// GovernorKnobs toggles the load governor.
type GovernorKnobs interface {
	SetEnabled(bool)
}

// Targets receives a reloaded configuration. Nil targets are skipped.
type Targets struct {
	Scheduler SchedulerKnobs
	Budget    BudgetKnobs
	Governor  GovernorKnobs
}

// Apply pushes the reloadable parts of cfg into running components. The tick
// interval, telemetry and metrics settings only take effect on restart.
func Apply(cfg Config, t Targets) {
	if t.Scheduler != nil {
		t.Scheduler.SetTickBudget(cfg.TickBudget)
		t.Scheduler.SetAdaptiveThrottling(cfg.AdaptiveThrottling)
	}
	if t.Budget != nil {
		t.Budget.SetEntityBudgetBounds(cfg.BudgetBounds())
		t.Budget.SetThrottleThreshold(cfg.EntityBudget.ThrottleThreshold)
		t.Budget.SetAdaptiveBudget(cfg.EntityBudget.Adaptive)
	}
	if t.Governor != nil {
		t.Governor.SetEnabled(cfg.Governor.Enabled)
	}
}
