package config

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Tier is a hardware class. It decides pool sizes, cache capacity and how
// aggressive speculative loading is.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierUltra  Tier = "ultra"
)

const gib = 1 << 30

// Profile is the resolved hardware profile.
type Profile struct {
	Tier        Tier   `yaml:"tier"`
	TotalMemory uint64 `yaml:"total_memory"`
	CPUs        int    `yaml:"cpus"`

	ThreadWorkers  int `yaml:"thread_workers"`
	ProcessWorkers int `yaml:"process_workers"`
	CacheCapacity  int `yaml:"cache_capacity"`

	PreloadForward   int `yaml:"preload_forward"`
	PreloadBackward  int `yaml:"preload_backward"`
	PreloadHighCount int `yaml:"preload_high_count"`

	IdleEnabled bool          `yaml:"idle_enabled"`
	IdleDelay   time.Duration `yaml:"idle_delay"`
}

// ClassifyTier maps total memory and logical CPU count to a tier.
func ClassifyTier(totalMemory uint64, cpus int) Tier {
	switch {
	case totalMemory < 8*gib || cpus < 4:
		return TierLow
	case totalMemory < 16*gib:
		return TierMedium
	case totalMemory < 32*gib:
		return TierHigh
	default:
		return TierUltra
	}
}

// ProfileFor builds the profile for a tier on a machine with the given resources.
func ProfileFor(tier Tier, totalMemory uint64, cpus int) Profile {
	if cpus <= 0 {
		cpus = 1
	}
	p := Profile{Tier: tier, TotalMemory: totalMemory, CPUs: cpus}

	switch tier {
	case TierLow:
		p.ThreadWorkers = 2
		p.ProcessWorkers = 1
		p.CacheCapacity = 20
		p.PreloadForward, p.PreloadBackward, p.PreloadHighCount = 3, 1, 1
		p.IdleEnabled = false
	case TierMedium:
		p.ThreadWorkers = min(cpus, 4)
		p.ProcessWorkers = 2
		p.CacheCapacity = 40
		p.PreloadForward, p.PreloadBackward, p.PreloadHighCount = 5, 2, 2
		p.IdleEnabled, p.IdleDelay = true, 10*time.Second
	case TierUltra:
		p.ThreadWorkers = min(cpus, 8)
		p.ProcessWorkers = min(max(cpus/2, 1), 4)
		p.CacheCapacity = 150
		p.PreloadForward, p.PreloadBackward, p.PreloadHighCount = 12, 4, 3
		p.IdleEnabled, p.IdleDelay = true, 3*time.Second
	default:
		p.Tier = TierHigh
		p.ThreadWorkers = min(cpus, 6)
		p.ProcessWorkers = min(max(cpus/2, 1), 3)
		p.CacheCapacity = 80
		p.PreloadForward, p.PreloadBackward, p.PreloadHighCount = 8, 3, 2
		p.IdleEnabled, p.IdleDelay = true, 5*time.Second
	}
	return p
}

// DetectProfile samples the host and returns its profile. When force names a
// tier other than "auto", that tier is used with the detected resources.
func DetectProfile(ctx context.Context, force string) (Profile, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read system memory: %w", err)
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	tier := ClassifyTier(vm.Total, cpus)
	if force != "" && force != "auto" {
		tier = Tier(force)
	}
	return ProfileFor(tier, vm.Total, cpus), nil
}

// ApplyProfile fills every unset sizing field of cfg from p.
func ApplyProfile(cfg *Config, p Profile) {
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = p.ThreadWorkers
	}
	if cfg.RawPool.Workers == 0 {
		cfg.RawPool.Workers = p.ProcessWorkers
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = p.CacheCapacity
	}
	if cfg.Preload.Forward == 0 {
		cfg.Preload.Forward = p.PreloadForward
	}
	if cfg.Preload.Backward == 0 {
		cfg.Preload.Backward = p.PreloadBackward
	}
	if cfg.Preload.HighCount == 0 {
		cfg.Preload.HighCount = p.PreloadHighCount
	}
	if cfg.Preload.IdleEnabled == nil {
		on := p.IdleEnabled
		cfg.Preload.IdleEnabled = &on
	}
	// The lowest tier never idles, whatever the file says.
	if p.Tier == TierLow {
		off := false
		cfg.Preload.IdleEnabled = &off
	}
	if cfg.Preload.IdleDelay == 0 {
		cfg.Preload.IdleDelay = p.IdleDelay
	}
}
