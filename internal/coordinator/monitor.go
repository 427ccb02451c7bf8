package coordinator

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

// MonitorMetrics records what the memory monitor observes.
type MonitorMetrics interface {
	MemorySample(usedPercent float64, tier string)
}

// MemorySampler reports system memory use as a percentage.
type MemorySampler interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func(ctx context.Context) (float64, error)

func (f SamplerFunc) UsedPercent(ctx context.Context) (float64, error) { return f(ctx) }

// SystemMemory samples the host through gopsutil.
type SystemMemory struct{}

func (SystemMemory) UsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read system memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// Thresholds are the used-memory percentages at which each tier starts.
type Thresholds struct {
	Caution float64
	Warning float64
	Danger  float64
}

// Classify maps a used-memory percentage to a pressure tier.
func (t Thresholds) Classify(usedPercent float64) imaging.Pressure {
	switch {
	case usedPercent >= t.Danger:
		return imaging.PressureDanger
	case usedPercent >= t.Warning:
		return imaging.PressureWarning
	case usedPercent >= t.Caution:
		return imaging.PressureCaution
	default:
		return imaging.PressureNone
	}
}

// CheckMemory samples memory once and reacts to the resulting tier: any tier
// above none evicts from the cache, and danger also cancels all queued Low
// priority work, whose callbacks receive CancelledTask.
//
// Owner goroutine only. Run calls it on every monitor interval.
func (c *Coordinator) CheckMemory(ctx context.Context) imaging.Pressure {
	used, err := c.sampler.UsedPercent(ctx)
	if err != nil {
		c.logger.Warn("memory sample failed", "error", err)
		return imaging.PressureNone
	}

	tier := c.thresholds.Classify(used)
	c.metrics.MemorySample(used, tier.String())
	if tier == imaging.PressureNone {
		return tier
	}

	cancelled := 0
	if tier == imaging.PressureDanger {
		cancelled = c.sched.CancelQueued(scheduler.Low)
	}
	evicted := c.cache.EvictTier(tier)

	c.logger.Warn("memory pressure",
		"tier", tier.String(),
		"used_percent", used,
		"evicted", evicted,
		"cancelled_low", cancelled,
		"cache_entries", c.cache.Len())
	return tier
}

// EmergencyCleanup evicts at the danger tier regardless of the last sample.
func (c *Coordinator) EmergencyCleanup() int {
	n := c.cache.EmergencyCleanup()
	c.logger.Warn("emergency cache cleanup", "evicted", n, "cache_entries", c.cache.Len())
	return n
}
