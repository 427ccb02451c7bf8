package config

import (
	"strings"
	"time"
)

// Static defaults that do not depend on the hardware profile.
const (
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
	DefaultDrainInterval   = 100 * time.Millisecond
	DefaultDrainBatch      = 10
	DefaultMaxDimension    = 4096
	DefaultMinRetained     = 10
	DefaultThumbnailSize   = 256
	DefaultMemoryInterval  = 5 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Profile-dependent fields are left alone; see ApplyProfile.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.Profile == "" {
		cfg.Profile = "auto"
	}
	cfg.Profile = strings.ToLower(cfg.Profile)

	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = DefaultPollInterval
	}

	applyRawPoolDefaults(&cfg.RawPool)

	if cfg.Cache.MinRetained == 0 {
		cfg.Cache.MinRetained = DefaultMinRetained
	}
	if cfg.Preload.ThumbnailSize == 0 {
		cfg.Preload.ThumbnailSize = DefaultThumbnailSize
	}

	applyMemoryDefaults(&cfg.Memory)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Address == "" {
		cfg.Address = ":9464"
	}
}

func applyRawPoolDefaults(cfg *RawPoolConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.DrainBatch == 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.MaxDimension == 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = 1
	}
}

// applyMemoryDefaults fills the three pressure tiers. Percentages follow the
// usual desktop headroom: start trimming at 75% used, halve the cache at 92%.
func applyMemoryDefaults(cfg *MemoryConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultMemoryInterval
	}
	if cfg.Caution == 0 {
		cfg.Caution = 75
	}
	if cfg.Warning == 0 {
		cfg.Warning = 85
	}
	if cfg.Danger == 0 {
		cfg.Danger = 92
	}
	if cfg.CautionRatio == 0 {
		cfg.CautionRatio = 0.15
	}
	if cfg.WarningRatio == 0 {
		cfg.WarningRatio = 0.30
	}
	if cfg.DangerRatio == 0 {
		cfg.DangerRatio = 0.50
	}
}

// GetDefaultConfig returns a Config with static defaults and the given profile applied.
func GetDefaultConfig(p Profile) *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	ApplyProfile(cfg, p)
	return cfg
}
