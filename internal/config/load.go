package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envKeys lists every key that may be overridden from the environment.
// viper only consults the environment for keys it already knows about.
var envKeys = []string{
	"logging.level", "logging.format", "logging.output",
	"metrics.enabled", "metrics.address",
	"profile",
	"scheduler.workers", "scheduler.poll_interval",
	"rawpool.workers", "rawpool.shutdown_timeout", "rawpool.drain_interval",
	"rawpool.drain_batch", "rawpool.max_dimension", "rawpool.gamma",
	"cache.capacity", "cache.min_retained",
	"preload.forward", "preload.backward", "preload.high_count",
	"preload.idle_enabled", "preload.idle_delay", "preload.thumbnail_size",
	"memory.interval", "memory.caution", "memory.warning", "memory.danger",
	"memory.caution_ratio", "memory.warning_ratio", "memory.danger_ratio",
}

// Load reads configuration from file and environment, applies defaults, detects
// the hardware profile and validates the result.
//
// An empty configPath looks for the default location; a missing file there is
// not an error.
func Load(ctx context.Context, configPath string) (*Config, Profile, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, Profile{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, Profile{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, Profile{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	prof, err := DetectProfile(ctx, cfg.Profile)
	if err != nil {
		return nil, Profile{}, err
	}
	ApplyProfile(&cfg, prof)

	return &cfg, prof, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: IMAGECORE_CACHE_CAPACITY=120
	v.SetEnvPrefix("IMAGECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(GetConfigDir())
}

// GetConfigDir returns $XDG_CONFIG_HOME/imagecore, falling back to ~/.config/imagecore.
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "imagecore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "imagecore")
}

// Validate checks struct tags and the cross-field ordering of pressure tiers.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	m := cfg.Memory
	if !(m.Caution <= m.Warning && m.Warning <= m.Danger) {
		return fmt.Errorf("memory thresholds must satisfy caution <= warning <= danger (got %.0f/%.0f/%.0f)",
			m.Caution, m.Warning, m.Danger)
	}
	if !(m.CautionRatio <= m.WarningRatio && m.WarningRatio <= m.DangerRatio) {
		return fmt.Errorf("eviction ratios must grow with pressure (got %.2f/%.2f/%.2f)",
			m.CautionRatio, m.WarningRatio, m.DangerRatio)
	}
	return nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
