// Package config loads imagecore configuration and resolves the hardware profile.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (IMAGECORE_*)
//  2. Configuration file (YAML)
//  3. Hardware profile values for the detected or forced tier
//  4. Static defaults
//
// A zero value in the file means "not set": the profile fills it in.
package config

import "time"

// Config is the full imagecore configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Profile forces a hardware tier. "auto" detects it from RAM and CPU count.
	Profile string `mapstructure:"profile" validate:"omitempty,oneof=auto low medium high ultra" yaml:"profile"`

	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	RawPool   RawPoolConfig   `mapstructure:"rawpool" yaml:"rawpool"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Preload   PreloadConfig   `mapstructure:"preload" yaml:"preload"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false no collectors are registered.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// SchedulerConfig sizes the priority thread pool.
type SchedulerConfig struct {
	// Workers is the number of worker goroutines. 0 uses the profile value.
	Workers int `mapstructure:"workers" validate:"gte=0" yaml:"workers"`

	// PollInterval bounds how long an idle worker waits before re-polling the lanes.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// RawPoolConfig sizes the RAW decode process pool.
type RawPoolConfig struct {
	// Workers is the number of decode processes. 0 uses the profile value.
	Workers int `mapstructure:"workers" validate:"gte=0" yaml:"workers"`

	// ShutdownTimeout bounds the join on shutdown before stragglers are killed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// DrainInterval is the fallback polling period for the result queue.
	DrainInterval time.Duration `mapstructure:"drain_interval" yaml:"drain_interval"`

	// DrainBatch is the maximum number of results applied per drain.
	DrainBatch int `mapstructure:"drain_batch" validate:"gte=0" yaml:"drain_batch"`

	// MaxDimension caps the long edge of decoded RAW bitmaps. 0 keeps full size.
	MaxDimension int `mapstructure:"max_dimension" validate:"gte=0" yaml:"max_dimension"`

	// Gamma applied to full RAW decodes. 1 disables the adjustment.
	Gamma float64 `mapstructure:"gamma" validate:"gte=0" yaml:"gamma"`
}

// CacheConfig bounds the decoded image cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries. 0 uses the profile value.
	Capacity int `mapstructure:"capacity" validate:"gte=0" yaml:"capacity"`

	// MinRetained is the entry floor an eviction pass never goes below.
	MinRetained int `mapstructure:"min_retained" validate:"gte=0" yaml:"min_retained"`
}

// PreloadConfig controls speculative loading around the current image.
type PreloadConfig struct {
	Forward   int `mapstructure:"forward" validate:"gte=0" yaml:"forward"`
	Backward  int `mapstructure:"backward" validate:"gte=0" yaml:"backward"`
	HighCount int `mapstructure:"high_count" validate:"gte=0" yaml:"high_count"`

	// IdleEnabled turns the idle sweep on or off. Unset uses the profile value.
	IdleEnabled *bool `mapstructure:"idle_enabled" yaml:"idle_enabled,omitempty"`

	// IdleDelay is the inactivity period before the idle sweep starts.
	IdleDelay time.Duration `mapstructure:"idle_delay" yaml:"idle_delay"`

	// ThumbnailSize is the bounding box edge for generated thumbnails.
	ThumbnailSize int `mapstructure:"thumbnail_size" validate:"gte=0" yaml:"thumbnail_size"`
}

// MemoryConfig holds the memory-pressure tiers driving cache eviction.
// Thresholds are percentages of system memory in use; ratios are the share of
// cache entries removed when the tier is reached.
type MemoryConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	Caution float64 `mapstructure:"caution" validate:"gte=0,lte=100" yaml:"caution"`
	Warning float64 `mapstructure:"warning" validate:"gte=0,lte=100" yaml:"warning"`
	Danger  float64 `mapstructure:"danger" validate:"gte=0,lte=100" yaml:"danger"`

	CautionRatio float64 `mapstructure:"caution_ratio" validate:"gte=0,lte=1" yaml:"caution_ratio"`
	WarningRatio float64 `mapstructure:"warning_ratio" validate:"gte=0,lte=1" yaml:"warning_ratio"`
	DangerRatio  float64 `mapstructure:"danger_ratio" validate:"gte=0,lte=1" yaml:"danger_ratio"`
}

// IdleOn reports whether idle preloading is enabled after defaults were applied.
func (p PreloadConfig) IdleOn() bool {
	return p.IdleEnabled != nil && *p.IdleEnabled
}
