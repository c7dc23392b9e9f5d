package health

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"TickGovernor/pkg/telemetry"
)

// EntityBudgetReader exposes the adaptive per-tick entity budget.
type EntityBudgetReader interface {
	MaxEntitiesPerTick() int
	MaxChunkUpdatesPerTick() int
	TotalTicks() uint64
}

// SchedulerReader exposes cumulative scheduler counters.
type SchedulerReader interface {
	CurrentTick() uint64
	DeferredTotal() uint64
	FailedTotal() uint64
	TaskCount() int
}

// TelemetryReader exposes the telemetry aggregate.
type TelemetryReader interface {
	ExportMetrics() telemetry.Export
}

// ExporterSources lists what the exporter reads on every gather. Nil entries are skipped.
type ExporterSources struct {
	Governor  LoadReader
	Budget    EntityBudgetReader
	Scheduler SchedulerReader
	Telemetry TelemetryReader
}

// Exporter publishes component state as Prometheus metrics. Values are read lazily
// at gather time, so the tick path never touches the registry.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter builds a registry of gauge and counter funcs over the given sources.
func NewExporter(src ExporterSources) *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}
	f := promauto.With(e.registry)

	if g := src.Governor; g != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "governor",
			Name:      "tps",
			Help:      "Ticks per second derived from the governor window (max 20)",
		}, g.TPS)
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "governor",
			Name:      "tick_mean_milliseconds",
			Help:      "Mean tick duration over the governor window",
		}, func() float64 { return toMs(g.Mean()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "governor",
			Name:      "tick_p99_milliseconds",
			Help:      "99th percentile tick duration over the governor window",
		}, func() float64 { return toMs(g.Percentile(99)) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "governor",
			Name:      "load_factor",
			Help:      "Fraction of optional work currently safe to perform (0.2-1.0)",
		}, g.LoadFactor)
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "governor",
			Name:      "degraded",
			Help:      "1 while the governor is in degraded mode",
		}, func() float64 { return boolGauge(g.IsDegraded()) })
	}

	if b := src.Budget; b != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "budget",
			Name:      "max_entities_per_tick",
			Help:      "Adaptive entity processing budget per tick",
		}, func() float64 { return float64(b.MaxEntitiesPerTick()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "budget",
			Name:      "max_chunk_updates_per_tick",
			Help:      "Adaptive chunk update budget per tick",
		}, func() float64 { return float64(b.MaxChunkUpdatesPerTick()) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tickgov",
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Ticks recorded by the performance monitor",
		}, func() float64 { return float64(b.TotalTicks()) })
	}

	if s := src.Scheduler; s != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tickgov",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Ticks executed by the scheduler",
		}, func() float64 { return float64(s.CurrentTick()) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tickgov",
			Subsystem: "scheduler",
			Name:      "deferred_tasks_total",
			Help:      "Due tasks skipped because the tick budget or load tier was exhausted",
		}, func() float64 { return float64(s.DeferredTotal()) })
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tickgov",
			Subsystem: "scheduler",
			Name:      "failed_tasks_total",
			Help:      "Task invocations that returned an error or panicked",
		}, func() float64 { return float64(s.FailedTotal()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "scheduler",
			Name:      "tasks",
			Help:      "Registered tasks",
		}, func() float64 { return float64(s.TaskCount()) })
	}

	if t := src.Telemetry; t != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "telemetry",
			Name:      "snapshots",
			Help:      "Retained telemetry snapshots",
		}, func() float64 { return float64(t.ExportMetrics().SnapshotCount) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "telemetry",
			Name:      "avg_tps",
			Help:      "Average TPS across retained snapshots",
		}, func() float64 { return t.ExportMetrics().AvgTPS })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tickgov",
			Subsystem: "telemetry",
			Name:      "max_tick_milliseconds",
			Help:      "Maximum tick duration across retained snapshots",
		}, func() float64 { return t.ExportMetrics().MaxTickMs })
	}

	return e
}

// Registry returns the Prometheus registry for external use.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// WriteText writes every metric family in the text exposition format.
func (e *Exporter) WriteText(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile atomically replaces path with the current exposition, in the layout
// expected by the node_exporter textfile collector.
func (e *Exporter) WriteTextfile(path string) error {
	var buf bytes.Buffer
	if err := e.WriteText(&buf); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp textfile: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod textfile: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write textfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close textfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename textfile: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
