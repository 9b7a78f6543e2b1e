// Package config loads tracebench's runtime configuration from a YAML file,
// environment variables, and built-in defaults, mirroring the tunables of the
// original aws_trace_analyzer.py / aws_trace_trigger_analyzer.py scripts.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds every tunable tracebench needs to parse segments, build span
// graphs, analyze critical paths, correlate triggers, and drive a batch run.
type Config struct {
	// TimestampMarginMicros is the clock-skew margin (in microseconds)
	// tolerated when comparing segment start/end timestamps. Ported from
	// the original TIMESTAMP_MARGIN constant.
	TimestampMarginMicros int64 `mapstructure:"timestamp_margin_micros"`

	// TimestampThresholdMicros is the minimum gap (in microseconds) above
	// which two timestamps are considered meaningfully different rather
	// than simultaneous. Ported from TIMESTAMP_THRESHOLD.
	TimestampThresholdMicros int64 `mapstructure:"timestamp_threshold_micros"`

	// NumReceiverTimestamps bounds how many trigger-side receiver
	// timestamps the correlator inspects per trace. Ported from
	// NUM_RECEIVER_TIMESTAMPS.
	NumReceiverTimestamps int `mapstructure:"num_receiver_timestamps"`

	// AlwaysAnalyze disables the driver's skip-predicate shortcut so that
	// every trace is fully analyzed even when a cheaper check would
	// normally bypass it. Ported from ALWAYS_ANALYZE.
	AlwaysAnalyze bool `mapstructure:"always_analyze"`

	// Workers bounds the batch driver's worker-pool concurrency. Zero
	// means "use runtime.NumCPU()".
	Workers int `mapstructure:"workers"`

	// QueueDepth bounds the number of in-flight traces buffered between
	// the reader goroutine and the worker pool.
	QueueDepth int `mapstructure:"queue_depth"`

	// CorrelatorCacheSize bounds the trigger correlator's bounded LRU
	// cache of unmatched trace lines.
	CorrelatorCacheSize int `mapstructure:"correlator_cache_size"`

	// PerTraceTimeout is the deadline of the context the driver derives for
	// each trace. The driver checks it once, before the trace's analysis
	// starts; an analysis already under way is not interrupted by it.
	PerTraceTimeout time.Duration `mapstructure:"per_trace_timeout"`
}

// TimestampMargin returns the configured clock-skew margin as a
// time.Duration.
func (c *Config) TimestampMargin() time.Duration {
	return time.Duration(c.TimestampMarginMicros) * time.Microsecond
}

// TimestampThreshold returns the configured simultaneity threshold as a
// time.Duration.
func (c *Config) TimestampThreshold() time.Duration {
	return time.Duration(c.TimestampThresholdMicros) * time.Microsecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timestamp_margin_micros", 1001)
	v.SetDefault("timestamp_threshold_micros", 10000)
	v.SetDefault("num_receiver_timestamps", 5)
	v.SetDefault("always_analyze", false)
	v.SetDefault("workers", 0)
	v.SetDefault("queue_depth", 64)
	v.SetDefault("correlator_cache_size", 4096)
	v.SetDefault("per_trace_timeout", 30*time.Second)
}

// Load reads configuration from path (if non-empty), falling back to a
// search across ".", "./config" and "/etc/tracebench" for a file named
// "tracebench.yaml". Environment variables prefixed TRACEBENCH_ override
// any file value, and built-in defaults fill in the rest.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRACEBENCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tracebench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tracebench")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TimestampMarginMicros < 0 {
		return fmt.Errorf("%w: timestamp_margin_micros must be >= 0", ErrInvalidConfig)
	}

	if cfg.TimestampThresholdMicros < 0 {
		return fmt.Errorf("%w: timestamp_threshold_micros must be >= 0", ErrInvalidConfig)
	}

	if cfg.NumReceiverTimestamps <= 0 {
		return fmt.Errorf("%w: num_receiver_timestamps must be > 0", ErrInvalidConfig)
	}

	if cfg.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidConfig)
	}

	if cfg.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue_depth must be > 0", ErrInvalidConfig)
	}

	if cfg.CorrelatorCacheSize <= 0 {
		return fmt.Errorf("%w: correlator_cache_size must be > 0", ErrInvalidConfig)
	}

	if cfg.PerTraceTimeout <= 0 {
		return fmt.Errorf("%w: per_trace_timeout must be > 0", ErrInvalidConfig)
	}

	return nil
}
