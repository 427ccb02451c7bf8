// Package preload decides which neighbouring images to load speculatively,
// and at what priority, as the user moves through a list of files.
//
// A Planner is owned by the coordinator's owner goroutine. It never evicts
// anything to make room: completed preloads go into the cache only when there
// is room for them.
package preload

import (
	"context"
	"log/slog"
	"time"

	"github.com/ironsheep/imagecore/internal/config"
	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/logger"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

// Submitter is the part of the coordinator the planner drives.
type Submitter interface {
	SubmitImagingTask(p scheduler.Priority, fn scheduler.TaskFunc, done func(coordinator.TaskResult)) (*scheduler.Handle, error)
	Cache() *imaging.ImageCache
	Post(fn func())
	Generation() uint64
}

// LoadFunc produces the bitmap cached for path.
type LoadFunc func(path string) (*imaging.Bitmap, error)

// Config sizes the preload windows.
type Config struct {
	// Forward and Backward are the window sizes on each side of the
	// current index.
	Forward  int
	Backward int

	// HighCount is k: the first k forward neighbours load at High, the next
	// k at Medium, the rest at Low.
	HighCount int

	IdleEnabled bool
	IdleDelay   time.Duration

	// Load defaults to imaging.LoadForDisplay bounded by MaxDimension.
	Load         LoadFunc
	MaxDimension int
}

// ConfigFrom reads the preload settings out of an application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Forward:      cfg.Preload.Forward,
		Backward:     cfg.Preload.Backward,
		HighCount:    cfg.Preload.HighCount,
		IdleEnabled:  cfg.Preload.IdleOn(),
		IdleDelay:    cfg.Preload.IdleDelay,
		MaxDimension: cfg.RawPool.MaxDimension,
	}
}

// Item is one planned preload.
type Item struct {
	Index    int
	Path     string
	Priority scheduler.Priority
}

// Planner tracks the current position and the preloads it has in flight.
type Planner struct {
	sub    Submitter
	cfg    Config
	logger *slog.Logger

	files    []string
	current  int
	inflight map[string]struct{}
	gen      uint64

	idleActive bool
	idleSeq    uint64
	idleTimer  *time.Timer
	sweep      []int
	sweepPos   int
}

// New creates a planner over files, which should already be canonical paths.
func New(sub Submitter, files []string, cfg Config, log *slog.Logger) *Planner {
	if cfg.HighCount < 0 {
		cfg.HighCount = 0
	}
	if cfg.Load == nil {
		maxDim := cfg.MaxDimension
		cfg.Load = func(path string) (*imaging.Bitmap, error) {
			return imaging.LoadForDisplay(path, maxDim)
		}
	}
	return &Planner{
		sub:      sub,
		cfg:      cfg,
		logger:   logger.OrDiscard(log).With("component", "preload"),
		files:    files,
		current:  -1,
		inflight: make(map[string]struct{}),
		gen:      sub.Generation(),
	}
}

// Files returns the list being planned over.
func (p *Planner) Files() []string { return p.files }

// Current returns the last index passed to Navigate, or -1.
func (p *Planner) Current() int { return p.current }

// InFlight returns the number of preloads submitted but not yet completed.
func (p *Planner) InFlight() int { return len(p.inflight) }

// IsInFlight reports whether path has a preload outstanding.
func (p *Planner) IsInFlight(path string) bool {
	_, ok := p.inflight[path]
	return ok
}

// Reset forgets in-flight preloads and stops any idle sweep.
func (p *Planner) Reset() {
	clear(p.inflight)
	p.StopIdle()
}

// syncGeneration resets the planner when the coordinator has cancelled
// everything since the last call. Callbacks for the old preloads never run.
func (p *Planner) syncGeneration() {
	g := p.sub.Generation()
	if g == p.gen {
		return
	}
	p.logger.Debug("coordinator cancelled all work; forgetting preloads", "in_flight", len(p.inflight), "generation", g)
	p.gen = g
	p.Reset()
}

// Navigate records a move to index, plans and submits preloads around it and
// rearms the idle timer. Any idle sweep in progress stops.
//
// Returns the submitted items.
func (p *Planner) Navigate(index int) []Item {
	n := len(p.files)
	if n == 0 || index < 0 || index >= n {
		return nil
	}

	p.syncGeneration()
	dir := DirectionOf(p.current, index, n)
	p.current = index
	p.StopIdle()

	items := p.Plan(index, dir)
	submitted := p.Submit(items)
	p.armIdle()

	p.logger.Debug("preload planned",
		"index", index,
		"direction", dir.String(),
		"planned", len(items),
		"submitted", len(submitted))
	return submitted
}

// Plan returns the preloads for a user at cur moving in dir, nearest first
// within each window, skipping anything cached, in flight, or the current
// file itself.
func (p *Planner) Plan(cur int, dir Direction) []Item {
	n := len(p.files)
	if n <= 1 {
		return nil
	}
	p.syncGeneration()

	seen := map[int]bool{cur: true}
	var items []Item
	add := func(d int, pr scheduler.Priority) {
		idx := wrap(cur+d, n)
		if seen[idx] {
			return
		}
		seen[idx] = true
		if p.skip(p.files[idx]) {
			return
		}
		items = append(items, Item{Index: idx, Path: p.files[idx], Priority: pr})
	}

	k := p.cfg.HighCount
	for i := 1; i <= p.cfg.Forward; i++ {
		pr := scheduler.Low
		switch {
		case i <= k:
			pr = scheduler.High
		case i <= 2*k:
			pr = scheduler.Medium
		}
		add(i*int(dir), pr)
	}
	for i := 1; i <= p.cfg.Backward; i++ {
		pr := scheduler.Low
		if i == 1 {
			pr = scheduler.Medium
		}
		add(-i*int(dir), pr)
	}
	return items
}

func (p *Planner) skip(path string) bool {
	if _, ok := p.inflight[path]; ok {
		return true
	}
	return p.sub.Cache().Contains(path)
}

// Submit queues every item and returns those accepted.
func (p *Planner) Submit(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if p.submit(it.Path, it.Priority, nil) {
			out = append(out, it)
		}
	}
	return out
}

// submit queues one preload. then, if set, runs on the owner goroutine after
// the result has been handled.
func (p *Planner) submit(path string, pr scheduler.Priority, then func(coordinator.TaskResult)) bool {
	load := p.cfg.Load
	_, err := p.sub.SubmitImagingTask(pr, func(ctx context.Context) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return load(path)
	}, func(r coordinator.TaskResult) {
		delete(p.inflight, path)
		p.complete(path, pr, r)
		if then != nil {
			then(r)
		}
	})
	if err != nil {
		p.logger.Debug("preload not submitted", "path", path, "error", err)
		return false
	}
	p.inflight[path] = struct{}{}
	return true
}

func (p *Planner) complete(path string, pr scheduler.Priority, r coordinator.TaskResult) {
	if r.Err != nil {
		p.logger.Debug("preload failed", "path", path, "priority", pr.String(), "task_id", r.TaskID, "error", r.Err)
		return
	}
	b, ok := r.Value.(*imaging.Bitmap)
	if !ok || b == nil {
		return
	}
	if !p.sub.Cache().InsertSpeculative(path, b) {
		p.logger.Debug("preload not cached", "path", path, "task_id", r.TaskID)
	}
}
