package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestClassifyTier(t *testing.T) {
	tests := []struct {
		name string
		mem  uint64
		cpus int
		tier Tier
	}{
		{"small memory", 4 * gib, 8, TierLow},
		{"few cpus", 64 * gib, 2, TierLow},
		{"medium", 12 * gib, 8, TierMedium},
		{"high", 16 * gib, 8, TierHigh},
		{"ultra", 64 * gib, 16, TierUltra},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.tier, ClassifyTier(tt.mem, tt.cpus))
		})
	}
}

func TestProfileFor_LowTierDisablesIdle(t *testing.T) {
	p := ProfileFor(TierLow, 4*gib, 2)
	assert.False(t, p.IdleEnabled)
	assert.Equal(t, 1, p.ProcessWorkers)

	p = ProfileFor(TierHigh, 16*gib, 8)
	assert.True(t, p.IdleEnabled)
	assert.Equal(t, 8, p.PreloadForward)
	assert.Equal(t, 3, p.PreloadBackward)
}

func TestProfileFor_UnknownTierFallsBackToHigh(t *testing.T) {
	p := ProfileFor(Tier("bogus"), 16*gib, 8)
	assert.Equal(t, TierHigh, p.Tier)
}

func TestApplyProfile_KeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.Capacity = 7
	on := true
	cfg.Preload.IdleEnabled = &on

	ApplyProfile(cfg, ProfileFor(TierHigh, 16*gib, 8))

	assert.Equal(t, 7, cfg.Cache.Capacity)
	assert.Equal(t, 8, cfg.Preload.Forward)
	assert.True(t, cfg.Preload.IdleOn())
}

func TestApplyProfile_LowTierForcesIdleOff(t *testing.T) {
	cfg := &Config{}
	on := true
	cfg.Preload.IdleEnabled = &on

	ApplyProfile(cfg, ProfileFor(TierLow, 4*gib, 2))

	assert.False(t, cfg.Preload.IdleOn())
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Profile)
	assert.Equal(t, DefaultDrainInterval, cfg.RawPool.DrainInterval)
	assert.Equal(t, 5*time.Second, cfg.Memory.Interval)
	assert.Equal(t, 0.50, cfg.Memory.DangerRatio)
	assert.Equal(t, 10, cfg.Cache.MinRetained)
	assert.NoError(t, Validate(cfg))
}

func TestValidate_RejectsUnorderedTiers(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Memory.Warning = 95

	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsBadLevel(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "LOUD"

	assert.Error(t, Validate(cfg))
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
profile: high
logging:
  level: debug
cache:
  capacity: 33
rawpool:
  shutdown_timeout: 2s
memory:
  danger: 95
`)

	cfg, prof, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, TierHigh, prof.Tier)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 33, cfg.Cache.Capacity)
	assert.Equal(t, 2*time.Second, cfg.RawPool.ShutdownTimeout)
	assert.Equal(t, float64(95), cfg.Memory.Danger)
	assert.Equal(t, prof.PreloadForward, cfg.Preload.Forward)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "cache:\n  capacity: 33\n")
	t.Setenv("IMAGECORE_CACHE_CAPACITY", "44")

	cfg, _, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 44, cfg.Cache.Capacity)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, _, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidProfile(t *testing.T) {
	path := writeConfig(t, "profile: gigantic\n")
	_, _, err := Load(context.Background(), path)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig(ProfileFor(TierMedium, 12*gib, 8))
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, SaveConfig(cfg, path))

	loaded, _, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cache.Capacity, loaded.Cache.Capacity)
	assert.Equal(t, cfg.Memory.Danger, loaded.Memory.Danger)
}
