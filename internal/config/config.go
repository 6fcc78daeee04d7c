// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers a YAML file and environment variables on top of the defaults.
// - Validate rejects values the engine cannot run with.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Store and feed backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendKafka    = "kafka"
)

// Mirror modes.
const (
	MirrorRaw        = "raw"
	MirrorAggregates = "aggregates"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// WindowDays is the active signal window; expiry is creation + window.
	WindowDays int `koanf:"window_days"`

	// MinSignals is k, the distinct signal count below which a cell is data insufficient.
	MinSignals int `koanf:"min_signals"`

	// Epsilon is added to the capacity score in the priority denominator.
	Epsilon float64 `koanf:"epsilon"`

	// AnomalyThreshold is the trailing-hour signal count that flags a burst.
	AnomalyThreshold int `koanf:"anomaly_threshold"`

	// CleanupBatchSize bounds one reaper delete round.
	CleanupBatchSize int `koanf:"cleanup_batch_size"`

	// ReaperMaxBatches caps delete rounds per reaper run.
	ReaperMaxBatches int `koanf:"reaper_max_batches"`

	// ReaperSchedule is the cron spec of the daily timer.
	ReaperSchedule string `koanf:"reaper_schedule"`

	// RateLimitCooldown is the per-session submission cooldown.
	RateLimitCooldown time.Duration `koanf:"rate_limit_cooldown"`

	// RateLimitFile persists accepted submission times; empty keeps them in memory.
	RateLimitFile string `koanf:"rate_limit_file"`

	// Grid catalog dimensions and bounds (lon/lat degrees).
	GridRows  int     `koanf:"grid_rows"`
	GridCols  int     `koanf:"grid_cols"`
	GridWest  float64 `koanf:"grid_west"`
	GridEast  float64 `koanf:"grid_east"`
	GridSouth float64 `koanf:"grid_south"`
	GridNorth float64 `koanf:"grid_north"`

	// StoreBackend is memory or postgres.
	StoreBackend string `koanf:"store_backend"`
	PostgresDSN  string `koanf:"postgres_dsn"`

	// FeedBackend is memory, redis or kafka.
	FeedBackend  string   `koanf:"feed_backend"`
	RedisAddr    string   `koanf:"redis_addr"`
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`

	// QueueSize bounds the trigger queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of trigger workers.
	WorkerCount int `koanf:"worker_count"`

	// MirrorMode is raw (mirror from signals) or aggregates.
	MirrorMode string `koanf:"mirror_mode"`

	// MirrorSession is the backend identity of the mirror; empty means degraded.
	MirrorSession string `koanf:"mirror_session"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		Addr:              ":9080",
		WindowDays:        7,
		MinSignals:        10,
		Epsilon:           0.1,
		AnomalyThreshold:  9,
		CleanupBatchSize:  400,
		ReaperMaxBatches:  1000,
		ReaperSchedule:    "0 3 * * *",
		RateLimitCooldown: 30 * time.Second,
		GridRows:          5,
		GridCols:          5,
		GridWest:          126.94,
		GridEast:          127.06,
		GridSouth:         37.50,
		GridNorth:         37.59,
		StoreBackend:      BackendMemory,
		FeedBackend:       BackendMemory,
		RedisAddr:         "localhost:6379",
		KafkaBrokers:      []string{"localhost:9092"},
		KafkaTopic:        "outreach.changes",
		QueueSize:         10_000,
		WorkerCount:       runtime.NumCPU(),
		MirrorMode:        MirrorRaw,
		MirrorSession:     "local",
	}
}

// Window returns the active signal window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// Validate checks the tunables and backend selections.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.WindowDays <= 0:
		return fmt.Errorf("%w: window_days must be positive", ErrInvalidConfig)
	case c.MinSignals < 0:
		return fmt.Errorf("%w: min_signals must not be negative", ErrInvalidConfig)
	case c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon must be positive", ErrInvalidConfig)
	case c.AnomalyThreshold <= 0:
		return fmt.Errorf("%w: anomaly_threshold must be positive", ErrInvalidConfig)
	case c.CleanupBatchSize <= 0:
		return fmt.Errorf("%w: cleanup_batch_size must be positive", ErrInvalidConfig)
	case c.ReaperMaxBatches <= 0:
		return fmt.Errorf("%w: reaper_max_batches must be positive", ErrInvalidConfig)
	case c.RateLimitCooldown < 0:
		return fmt.Errorf("%w: rate_limit_cooldown must not be negative", ErrInvalidConfig)
	case c.GridRows <= 0 || c.GridCols <= 0:
		return fmt.Errorf("%w: grid dimensions must be positive", ErrInvalidConfig)
	case c.GridWest >= c.GridEast || c.GridSouth >= c.GridNorth:
		return fmt.Errorf("%w: grid bounds are inverted", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w: store_backend %q", ErrInvalidConfig, ErrUnknownBackend, c.StoreBackend)
	}

	switch c.FeedBackend {
	case BackendMemory, BackendRedis:
	case BackendKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("%w: kafka feed needs brokers and a topic", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w: feed_backend %q", ErrInvalidConfig, ErrUnknownBackend, c.FeedBackend)
	}

	if c.MirrorMode != MirrorRaw && c.MirrorMode != MirrorAggregates {
		return fmt.Errorf("%w: %w: mirror_mode %q", ErrInvalidConfig, ErrUnknownBackend, c.MirrorMode)
	}
	return nil
}
