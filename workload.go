package main

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"TickGovernor/pkg/adaptive"
	"TickGovernor/pkg/scheduler"
	"TickGovernor/pkg/telemetry"
)

// budgetReader is the part of the performance monitor the workload scales with.
type budgetReader interface {
	MaxEntitiesPerTick() int
	MaxChunkUpdatesPerTick() int
}

type workload struct {
	budget    budgetReader
	limiter   *adaptive.Limiter
	collector *telemetry.Collector
	scheduler *scheduler.Scheduler

	packetsSent atomic.Int64
	saves       atomic.Int64
}

const (
	entityCost    = 40 * time.Microsecond
	chunkCost     = 80 * time.Microsecond
	flushBatch    = 32
	saveEveryTick = 600
)

// registerWorkload installs a synthetic game-server workload that exercises every tier.
func registerWorkload(s *scheduler.Scheduler, pool *scheduler.WorkerPool, w *workload) {
	s.RegisterTask(scheduler.Task{
		Name:       "world-physics",
		Priority:   scheduler.PriorityCritical,
		Interval:   1,
		Enabled:    true,
		BudgetHint: 5 * time.Millisecond,
		Job: scheduler.JobFunc(func(context.Context) error {
			spin(2*time.Millisecond + rand.N(2*time.Millisecond))
			return nil
		}),
	})
	s.RegisterTask(scheduler.Task{
		Name:       "entity-ai",
		Priority:   scheduler.PriorityHigh,
		Interval:   1,
		Enabled:    true,
		BudgetHint: 10 * time.Millisecond,
		Job: scheduler.JobFunc(func(context.Context) error {
			spin(time.Duration(w.budget.MaxEntitiesPerTick()) * entityCost)
			return nil
		}),
	})
	s.RegisterTask(scheduler.Task{
		Name:       "chunk-updates",
		Priority:   scheduler.PriorityNormal,
		Interval:   2,
		Enabled:    true,
		BudgetHint: 8 * time.Millisecond,
		Job: scheduler.JobFunc(func(context.Context) error {
			spin(time.Duration(w.budget.MaxChunkUpdatesPerTick()) * chunkCost)
			return nil
		}),
	})
	s.RegisterTask(scheduler.Task{
		Name:       "net-flush",
		Priority:   scheduler.PriorityLow,
		Interval:   5,
		Enabled:    true,
		BudgetHint: time.Millisecond,
		Job:        scheduler.Async(pool, "net-flush", scheduler.JobFunc(w.flush), time.Second),
	})
	s.RegisterTask(scheduler.Task{
		Name:       "autosave",
		Priority:   scheduler.PriorityBackground,
		Interval:   saveEveryTick,
		Enabled:    true,
		BudgetHint: time.Millisecond,
		Job:        scheduler.Async(pool, "autosave", scheduler.JobFunc(w.save), 5*time.Second),
	})
	s.RegisterTask(scheduler.Task{
		Name:     "telemetry-counts",
		Priority: scheduler.PriorityBackground,
		Interval: 20,
		Enabled:  true,
		Job:      scheduler.JobFunc(w.publishCounts),
	})
}

// flush sends queued packets as far as the peripheral limiter allows.
func (w *workload) flush(ctx context.Context) error {
	for range flushBatch {
		if !w.limiter.Allow() {
			return nil
		}
		if err := pause(ctx, 200*time.Microsecond); err != nil {
			return err
		}
		w.packetsSent.Add(1)
	}
	return nil
}

// save simulates a world snapshot write.
func (w *workload) save(ctx context.Context) error {
	if err := pause(ctx, 50*time.Millisecond+rand.N(100*time.Millisecond)); err != nil {
		return err
	}
	w.saves.Add(1)
	return nil
}

func (w *workload) publishCounts(context.Context) error {
	w.collector.SetCount("tasks", int64(w.scheduler.TaskCount()))
	w.collector.SetCount("deferred_total", int64(w.scheduler.DeferredTotal()))
	w.collector.SetCount("max_entities_per_tick", int64(w.budget.MaxEntitiesPerTick()))
	w.collector.SetCount("max_chunk_updates_per_tick", int64(w.budget.MaxChunkUpdatesPerTick()))
	w.collector.SetCount("packets_sent", w.packetsSent.Load())
	w.collector.SetCount("saves", w.saves.Load())
	return nil
}

// spin burns CPU for d, standing in for simulation work.
func spin(d time.Duration) {
	for start := time.Now(); time.Since(start) < d; {
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
