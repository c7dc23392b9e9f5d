package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"TickGovernor/pkg/performance"
)

// EnvPrefix prefixes every environment override, e.g. TICKGOV_TICK_BUDGET=35ms.
const EnvPrefix = "TICKGOV_"

var ErrInvalid = errors.New("invalid config")

// EntityBudgetConfig bounds the adaptive entity budget.
type EntityBudgetConfig struct {
	MinEntities         int           `yaml:"min_entities" env:"MIN_ENTITIES"`
	MaxEntities         int           `yaml:"max_entities" env:"MAX_ENTITIES"`
	MinChunkUpdates     int           `yaml:"min_chunk_updates" env:"MIN_CHUNK_UPDATES"`
	MaxChunkUpdates     int           `yaml:"max_chunk_updates" env:"MAX_CHUNK_UPDATES"`
	InitialEntities     int           `yaml:"initial_entities" env:"INITIAL_ENTITIES"`
	InitialChunkUpdates int           `yaml:"initial_chunk_updates" env:"INITIAL_CHUNK_UPDATES"`
	ThrottleThreshold   time.Duration `yaml:"throttle_threshold" env:"THROTTLE_THRESHOLD"`
	Adaptive            bool          `yaml:"adaptive" env:"ADAPTIVE"`
}

// GovernorConfig configures the load governor.
type GovernorConfig struct {
	TargetTick time.Duration `yaml:"target_tick" env:"TARGET_TICK"`
	Enabled    bool          `yaml:"enabled" env:"ENABLED"`
}

// TelemetryConfig configures snapshot collection and the optional Redis mirror.
type TelemetryConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
	MaxSnapshots   int           `yaml:"max_snapshots" env:"MAX_SNAPSHOTS"`
	RedisAddr      string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisKey       string        `yaml:"redis_key" env:"REDIS_KEY"`
}

// MetricsConfig configures the Prometheus side.
type MetricsConfig struct {
	PrometheusURL   string        `yaml:"prometheus_url" env:"PROMETHEUS_URL"`
	Textfile        string        `yaml:"textfile" env:"TEXTFILE"`
	LimiterBaseRate float64       `yaml:"limiter_base_rate" env:"LIMITER_BASE_RATE"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// Config is the startup and reloadable configuration.
type Config struct {
	TickInterval       time.Duration      `yaml:"tick_interval" env:"TICK_INTERVAL"`
	TickBudget         time.Duration      `yaml:"tick_budget" env:"TICK_BUDGET"`
	AdaptiveThrottling bool               `yaml:"adaptive_throttling" env:"ADAPTIVE_THROTTLING"`
	LogLevel           string             `yaml:"log_level" env:"LOG_LEVEL"`
	EntityBudget       EntityBudgetConfig `yaml:"entity_budget" envPrefix:"ENTITY_BUDGET_"`
	Governor           GovernorConfig     `yaml:"governor" envPrefix:"GOVERNOR_"`
	Telemetry          TelemetryConfig    `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Metrics            MetricsConfig      `yaml:"metrics" envPrefix:"METRICS_"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TickInterval:       50 * time.Millisecond,
		TickBudget:         40 * time.Millisecond,
		AdaptiveThrottling: true,
		LogLevel:           "info",
		EntityBudget: EntityBudgetConfig{
			MinEntities:         10,
			MaxEntities:         200,
			MinChunkUpdates:     5,
			MaxChunkUpdates:     100,
			InitialEntities:     100,
			InitialChunkUpdates: 50,
			ThrottleThreshold:   performance.DefaultThrottleThreshold,
			Adaptive:            true,
		},
		Governor: GovernorConfig{
			TargetTick: 50 * time.Millisecond,
			Enabled:    true,
		},
		Telemetry: TelemetryConfig{
			SampleInterval: 60 * time.Second,
			MaxSnapshots:   1000,
			RedisKey:       "tickgov:snapshots",
		},
		Metrics: MetricsConfig{
			LimiterBaseRate: 200,
			PollInterval:    time.Second,
		},
	}
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive intervals and inverted bounds.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.TickInterval > 0, "tick_interval must be positive, got %s", c.TickInterval)
	check(c.TickBudget > 0, "tick_budget must be positive, got %s", c.TickBudget)
	b := c.BudgetBounds()
	check(b.Valid(), "entity_budget bounds are inverted or non-positive")
	check(c.EntityBudget.InitialEntities >= b.MinEntities && c.EntityBudget.InitialEntities <= b.MaxEntities,
		"entity_budget.initial_entities %d outside [%d,%d]", c.EntityBudget.InitialEntities, b.MinEntities, b.MaxEntities)
	check(c.EntityBudget.InitialChunkUpdates >= b.MinChunkUpdates && c.EntityBudget.InitialChunkUpdates <= b.MaxChunkUpdates,
		"entity_budget.initial_chunk_updates %d outside [%d,%d]", c.EntityBudget.InitialChunkUpdates, b.MinChunkUpdates, b.MaxChunkUpdates)
	check(c.EntityBudget.ThrottleThreshold > 0, "entity_budget.throttle_threshold must be positive")
	check(c.Governor.TargetTick > 0, "governor.target_tick must be positive")
	check(c.Telemetry.SampleInterval > 0, "telemetry.sample_interval must be positive")
	check(c.Telemetry.MaxSnapshots > 0, "telemetry.max_snapshots must be positive")
	check(c.Metrics.LimiterBaseRate > 0, "metrics.limiter_base_rate must be positive")
	check(c.Metrics.PollInterval > 0, "metrics.poll_interval must be positive")
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// BudgetBounds returns the configured entity budget bounds.
func (c Config) BudgetBounds() performance.BudgetBounds {
	return performance.BudgetBounds{
		MinEntities:     c.EntityBudget.MinEntities,
		MaxEntities:     c.EntityBudget.MaxEntities,
		MinChunkUpdates: c.EntityBudget.MinChunkUpdates,
		MaxChunkUpdates: c.EntityBudget.MaxChunkUpdates,
	}
}

// InitialEntityBudget returns the entity budget to start the monitor with.
func (c Config) InitialEntityBudget() performance.EntityBudget {
	return performance.EntityBudget{
		MaxEntitiesPerTick:     c.EntityBudget.InitialEntities,
		MaxChunkUpdatesPerTick: c.EntityBudget.InitialChunkUpdates,
		ThrottleThreshold:      c.EntityBudget.ThrottleThreshold,
		Adaptive:               c.EntityBudget.Adaptive,
		Bounds:                 c.BudgetBounds(),
	}
}

// SlogLevel returns the configured log level, Info when unparsable.
func (c Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log_level %q", ErrInvalid, s)
	}
	return lvl, nil
}
