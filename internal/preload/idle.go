package preload

import (
	"time"

	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

// IdleActive reports whether an idle sweep is running.
func (p *Planner) IdleActive() bool { return p.idleActive }

// armIdle schedules an idle sweep after the configured inactivity delay. The
// timer posts back to the owner goroutine; a sequence number discards timers
// that fired after a later navigation.
func (p *Planner) armIdle() {
	if !p.cfg.IdleEnabled || p.cfg.IdleDelay <= 0 {
		return
	}
	p.idleSeq++
	seq := p.idleSeq
	p.idleTimer = time.AfterFunc(p.cfg.IdleDelay, func() {
		p.sub.Post(func() {
			if seq == p.idleSeq {
				p.StartIdle()
			}
		})
	})
}

// StopIdle cancels a pending idle timer and stops any sweep in progress.
func (p *Planner) StopIdle() {
	p.idleSeq++
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	if p.idleActive {
		p.logger.Debug("idle preload stopped", "submitted", p.sweepPos)
	}
	p.idleActive = false
	p.sweep = nil
	p.sweepPos = 0
}

// StartIdle begins sweeping outward from the current index in both directions,
// one Low priority preload at a time. Each step waits for the previous preload
// to finish. The sweep stops when the cache fills, navigation resumes, a step
// is cancelled (memory pressure) or nothing is left to load.
func (p *Planner) StartIdle() {
	n := len(p.files)
	if n <= 1 || p.current < 0 {
		return
	}
	p.syncGeneration()
	p.sweep = sweepOrder(p.current, n)
	p.sweepPos = 0
	p.idleActive = true
	p.logger.Debug("idle preload started", "index", p.current, "candidates", len(p.sweep))
	p.idleStep()
}

func (p *Planner) idleStep() {
	seq := p.idleSeq
	for p.idleActive {
		if p.sub.Cache().Full() {
			p.logger.Debug("idle preload stopped: cache full")
			p.idleActive = false
			return
		}
		if p.sweepPos >= len(p.sweep) {
			p.logger.Debug("idle preload complete")
			p.idleActive = false
			return
		}

		path := p.files[p.sweep[p.sweepPos]]
		p.sweepPos++
		if p.skip(path) {
			continue
		}
		ok := p.submit(path, scheduler.Low, func(r coordinator.TaskResult) {
			if seq != p.idleSeq {
				return
			}
			if coordinator.IsKind(r.Err, coordinator.CancelledTask) {
				p.logger.Debug("idle preload stopped: step cancelled", "path", path)
				p.idleActive = false
				return
			}
			p.idleStep()
		})
		if ok {
			return
		}
		p.idleActive = false
	}
}

// sweepOrder lists every index except cur, alternating forward and backward
// with increasing distance.
func sweepOrder(cur, n int) []int {
	out := make([]int, 0, n-1)
	seen := map[int]bool{cur: true}
	for d := 1; len(out) < n-1; d++ {
		for _, idx := range []int{wrap(cur+d, n), wrap(cur-d, n)} {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	return out
}
