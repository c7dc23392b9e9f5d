package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// TickObserver is notified after every executed tick.
type TickObserver interface {
	ObserveTick(r TickReport)
}

// TickObserverFunc adapts a function to TickObserver.
type TickObserverFunc func(r TickReport)

// ObserveTick implements TickObserver.
func (f TickObserverFunc) ObserveTick(r TickReport) {
	f(r)
}

// Driver invokes Tick at a fixed cadence and fans each report out to observers.
type Driver struct {
	scheduler *Scheduler
	interval  time.Duration
	observers []TickObserver
	logger    *slog.Logger
}

// NewDriver creates a driver ticking every interval (50ms when zero).
func NewDriver(s *Scheduler, interval time.Duration, logger *slog.Logger, observers ...TickObserver) *Driver {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		scheduler: s,
		interval:  interval,
		observers: observers,
		logger:    logger,
	}
}

// Run starts the scheduler and ticks until ctx is cancelled, then stops it.
// A tick that overruns the interval delays the next one; missed ticks are dropped.
func (d *Driver) Run(ctx context.Context) {
	d.scheduler.Start()
	defer d.scheduler.Stop()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := d.scheduler.Tick(ctx)
			if r.Tick == 0 {
				// stopped from elsewhere
				continue
			}
			if r.Duration > d.interval {
				d.logger.Debug("tick overran interval",
					slog.Uint64("tick", r.Tick),
					slog.Duration("duration", r.Duration),
					slog.Duration("interval", d.interval))
			}
			for _, o := range d.observers {
				o.ObserveTick(r)
			}
		}
	}
}
