package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"TickGovernor/pkg/adaptive"
	"TickGovernor/pkg/config"
	"TickGovernor/pkg/health"
	"TickGovernor/pkg/performance"
	"TickGovernor/pkg/scheduler"
	"TickGovernor/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, level, logger); err != nil {
		logger.Error("tickgov exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, cfg config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var publisher telemetry.Publisher
	if cfg.Telemetry.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Telemetry.RedisAddr})

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, snapshots will be retried on every sample",
				slog.String("addr", cfg.Telemetry.RedisAddr), slog.Any("error", err))
		}
		pingCancel()

		store := telemetry.NewRedisStore(rdb, cfg.Telemetry.RedisKey, cfg.Telemetry.MaxSnapshots, logger)
		publisher = store
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rdb.Close()
			store.Run(ctx)
		}()
	}

	collector := telemetry.NewCollector(telemetry.Config{
		SampleInterval: cfg.Telemetry.SampleInterval,
		MaxSnapshots:   cfg.Telemetry.MaxSnapshots,
		Publisher:      publisher,
		Logger:         logger,
	})

	monitor := performance.NewMonitor(performance.Config{
		ReportInterval: cfg.Telemetry.SampleInterval,
		Budget:         cfg.InitialEntityBudget(),
		Sink:           collector,
		Logger:         logger,
	})
	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	governor := adaptive.NewGovernor(cfg.Governor.TargetTick, logger)
	governor.SetEnabled(cfg.Governor.Enabled)

	sched := scheduler.New(scheduler.Options{
		TickBudget:         cfg.TickBudget,
		AdaptiveThrottling: cfg.AdaptiveThrottling,
		Recorder:           monitor,
		Gate:               governor,
		Logger:             logger,
	})

	pool := scheduler.NewWorkerPool(ctx, 4, 64, monitor, logger)
	defer pool.Close()

	limiter := adaptive.NewLimiter(cfg.Metrics.LimiterBaseRate)
	source, err := healthSource(cfg, governor)
	if err != nil {
		return err
	}
	steering := adaptive.NewMonitor(limiter, source, cfg.Metrics.PollInterval, cfg.Governor.TargetTick, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		steering.Run(ctx)
	}()

	registerWorkload(sched, pool, &workload{
		budget:    monitor,
		limiter:   limiter,
		collector: collector,
		scheduler: sched,
	})

	exporter := health.NewExporter(health.ExporterSources{
		Governor:  governor,
		Budget:    monitor,
		Scheduler: sched,
		Telemetry: collector,
	})
	if cfg.Metrics.Textfile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeTextfile(ctx, exporter, cfg.Metrics.Textfile, cfg.Metrics.PollInterval, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reloadOnHangup(ctx, configPath, level, config.Targets{
			Scheduler: sched,
			Budget:    monitor,
			Governor:  governor,
		}, logger)
	}()

	driver := scheduler.NewDriver(sched, cfg.TickInterval, logger,
		scheduler.TickObserverFunc(func(r scheduler.TickReport) {
			governor.RecordTick(r.Duration)
			collector.RecordTick()
		}))

	logger.Info("tick loop started",
		slog.Duration("interval", cfg.TickInterval),
		slog.Duration("budget", cfg.TickBudget),
		slog.Int("tasks", sched.TaskCount()))
	driver.Run(ctx)

	export := collector.ExportMetrics()
	logger.Info("tick loop stopped",
		slog.Uint64("ticks", sched.CurrentTick()),
		slog.Uint64("deferred", sched.DeferredTotal()),
		slog.Uint64("failed", sched.FailedTotal()),
		slog.Int("snapshots", export.SnapshotCount),
		slog.Float64("avg_tps", export.AvgTPS))
	return nil
}

func healthSource(cfg config.Config, governor *adaptive.Governor) (health.Source, error) {
	if cfg.Metrics.PrometheusURL == "" {
		return health.NewLocalSource(governor), nil
	}
	src, err := health.NewPrometheusSource(cfg.Metrics.PrometheusURL)
	if err != nil {
		return nil, fmt.Errorf("prometheus source: %w", err)
	}
	return src, nil
}

func writeTextfile(ctx context.Context, e *health.Exporter, path string, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.WriteTextfile(path); err != nil {
				logger.Warn("metrics textfile write failed", slog.String("path", path), slog.Any("error", err))
			}
		}
	}
}

func reloadOnHangup(ctx context.Context, path string, level *slog.LevelVar, targets config.Targets, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(path)
			if err != nil {
				logger.Error("config reload rejected", slog.Any("error", err), slog.Bool("invalid", errors.Is(err, config.ErrInvalid)))
				continue
			}
			config.Apply(cfg, targets)
			level.Set(cfg.SlogLevel())
			logger.Info("config reloaded",
				slog.Duration("tick_budget", cfg.TickBudget),
				slog.Bool("adaptive_throttling", cfg.AdaptiveThrottling),
				slog.Bool("governor", cfg.Governor.Enabled))
		}
	}
}
