// Package coordinator is the single entry point the UI layer talks to. It owns
// the priority scheduler, the RAW decode process pool and the image cache, and
// it serializes every callback onto one owner goroutine.
//
// # Owner Goroutine
//
// Exactly one goroutine, the one calling Run (or RunPending in tests), owns the
// coordinator's mutable state. Every exported method except Post is meant to
// be called from that goroutine, and every completion callback runs on it.
// Other goroutines hand work to the owner with Post.
//
// # Generations
//
// CancelAll starts a new generation. Work submitted in an earlier generation
// may still finish, but its callback is silently dropped.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ironsheep/imagecore/internal/config"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/logger"
	"github.com/ironsheep/imagecore/internal/metrics"
	"github.com/ironsheep/imagecore/internal/rawpool"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

// TaskResult is delivered to an imaging task's callback. Err is nil or a
// *Failure.
type TaskResult struct {
	TaskID uint64
	Value  any
	Err    error
}

// RawCallback receives a decoded RAW bitmap, or a *Failure.
type RawCallback func(b *imaging.Bitmap, err error)

// Options wires a coordinator. Only Config is required.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Collectors

	// Sampler reads system memory use. Defaults to SystemMemory.
	Sampler MemorySampler

	// Strategies defaults to an in-memory store starting at StrategyFull.
	Strategies StrategyStore

	// ResolveModel defaults to ModelFromExtension.
	ResolveModel ModelResolver

	// WorkerCommand and WorkerArgs start one decode worker. The default
	// re-executes the running binary with the decode-worker subcommand.
	WorkerCommand string
	WorkerArgs    []string
	WorkerEnv     []string
}

// Coordinator owns the imaging subsystems. Create with New, then Start.
type Coordinator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics MonitorMetrics

	loop  *Loop
	sched *scheduler.Scheduler
	raw   *rawpool.Pool
	cache *imaging.ImageCache

	sampler    MemorySampler
	thresholds Thresholds
	strategies StrategyStore
	resolve    ModelResolver

	running atomic.Bool

	// Owner-only state.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	gen        uint64
	genCtx     context.Context
	genCancel  context.CancelFunc
	handles    map[uint64]*scheduler.Handle
	stopped    bool
}

// New builds a coordinator. Its scheduler workers start immediately; the RAW
// worker processes start in Start.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("coordinator: config is required")
	}

	log := logger.OrDiscard(opts.Logger).With("component", "coordinator")

	command, args := opts.WorkerCommand, opts.WorkerArgs
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable for decode workers: %w", err)
		}
		command, args = exe, []string{"decode-worker"}
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  log,
		metrics: opts.Metrics,
		loop:    NewLoop(),
		cache: imaging.NewImageCache(cfg.Cache.Capacity, imaging.EvictionPolicy{
			CautionRatio: cfg.Memory.CautionRatio,
			WarningRatio: cfg.Memory.WarningRatio,
			DangerRatio:  cfg.Memory.DangerRatio,
			MinRetained:  cfg.Cache.MinRetained,
		}, opts.Metrics),
		sampler: opts.Sampler,
		thresholds: Thresholds{
			Caution: cfg.Memory.Caution,
			Warning: cfg.Memory.Warning,
			Danger:  cfg.Memory.Danger,
		},
		strategies: opts.Strategies,
		resolve:    opts.ResolveModel,
		handles:    make(map[uint64]*scheduler.Handle),
	}
	if c.sampler == nil {
		c.sampler = SystemMemory{}
	}
	if c.strategies == nil {
		c.strategies = NewMemoryStrategyStore(imaging.StrategyFull)
	}
	if c.resolve == nil {
		c.resolve = ModelFromExtension
	}

	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.genCtx, c.genCancel = context.WithCancel(c.baseCtx)

	c.sched = scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		PollInterval: cfg.Scheduler.PollInterval,
	}, c.loop, opts.Logger, opts.Metrics)

	c.raw = rawpool.New(rawpool.Config{
		Workers:         cfg.RawPool.Workers,
		Command:         command,
		Args:            args,
		Env:             opts.WorkerEnv,
		ShutdownTimeout: cfg.RawPool.ShutdownTimeout,
		MaxDimension:    cfg.RawPool.MaxDimension,
		Gamma:           cfg.RawPool.Gamma,
	}, opts.Logger, opts.Metrics)

	return c, nil
}

// Start launches the decode worker processes and begins accepting work.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.raw.Start(ctx); err != nil {
		c.sched.Shutdown()
		return fmt.Errorf("failed to start decode pool: %w", err)
	}
	c.running.Store(true)
	c.logger.Info("coordinator started",
		"threads", c.cfg.Scheduler.Workers,
		"processes", c.cfg.RawPool.Workers,
		"cache_capacity", c.cache.Capacity())
	return nil
}

// Run is the owner loop. It runs posted functions, drains RAW results when
// they arrive and on every drain interval, and samples memory on every
// monitor interval. It returns when ctx is done. Run does not shut the
// coordinator down; call Shutdown after it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	drain := time.NewTicker(c.cfg.RawPool.DrainInterval)
	defer drain.Stop()
	monitor := time.NewTicker(c.cfg.Memory.Interval)
	defer monitor.Stop()

	batch := c.cfg.RawPool.DrainBatch
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.loop.Notify():
			c.loop.RunPending()
		case <-c.raw.Ready():
			c.raw.Drain(batch)
		case <-drain.C:
			c.raw.Drain(batch)
		case <-monitor.C:
			c.CheckMemory(ctx)
		}
	}
}

// Post schedules fn on the owner goroutine. Safe from any goroutine.
func (c *Coordinator) Post(fn func()) { c.loop.Post(fn) }

// RunPending runs posted functions on the calling goroutine, which must be the
// owner. Tests use it in place of Run.
func (c *Coordinator) RunPending() int { return c.loop.RunPending() }

// Running reports whether submissions are accepted.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Cache returns the owner-only image cache.
func (c *Coordinator) Cache() *imaging.ImageCache { return c.cache }

// Config returns the configuration the coordinator was built with.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Strategies returns the RAW strategy store.
func (c *Coordinator) Strategies() StrategyStore { return c.strategies }

// Generation counts CancelAll calls. Results submitted under an older
// generation are never delivered.
func (c *Coordinator) Generation() uint64 { return c.gen }

// ModelOf returns the camera model the strategy store keys path under.
func (c *Coordinator) ModelOf(path string) string { return c.resolve(path) }

// SubmitImagingTask queues fn on the thread pool at priority p. done, which
// may be nil, runs on the owner goroutine with the result or a *Failure.
//
// Returns a SubmissionRejected *Failure once shutdown has begun.
func (c *Coordinator) SubmitImagingTask(p scheduler.Priority, fn scheduler.TaskFunc, done func(TaskResult)) (*scheduler.Handle, error) {
	if !c.running.Load() {
		return nil, &Failure{Kind: SubmissionRejected, Err: ErrShuttingDown}
	}

	gen := c.gen
	h, err := c.sched.Submit(c.genCtx, p, fn, func(o scheduler.Outcome) {
		delete(c.handles, o.TaskID)
		if gen != c.gen {
			c.logger.Debug("dropping stale task result", "task_id", o.TaskID)
			return
		}
		if done != nil {
			done(TaskResult{TaskID: o.TaskID, Value: o.Value, Err: taskFailure(o)})
		}
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrClosed) {
			return nil, &Failure{Kind: SubmissionRejected, Err: ErrShuttingDown}
		}
		return nil, err
	}
	c.handles[h.ID()] = h
	return h, nil
}

// CancelTask cancels one not-yet-started imaging task without a callback.
func (c *Coordinator) CancelTask(h *scheduler.Handle) bool {
	if h == nil {
		return false
	}
	if !h.Cancel() {
		return false
	}
	delete(c.handles, h.ID())
	return true
}

func taskFailure(o scheduler.Outcome) error {
	if o.Err == nil {
		return nil
	}
	f := &Failure{Kind: TaskException, TaskID: o.TaskID, Err: o.Err}
	var le *imaging.LoadError
	if errors.As(o.Err, &le) {
		f.FilePath = le.Path
	}
	switch {
	case errors.Is(o.Err, scheduler.ErrCancelled):
		f.Kind = CancelledTask
	case errors.Is(o.Err, imaging.ErrDecode):
		f.Kind = DecodeFailure
	}
	return f
}

// SubmitRawDecode queues path on the process pool with the strategy recorded
// for its camera model. done runs on the owner goroutine from a later drain.
//
// Returns the task id, or a SubmissionRejected *Failure once shutdown has
// begun.
func (c *Coordinator) SubmitRawDecode(path string, done RawCallback) (uint64, error) {
	if !c.running.Load() {
		return 0, &Failure{Kind: SubmissionRejected, FilePath: path, Err: ErrShuttingDown}
	}

	canonical := imaging.CanonicalPath(path)
	strategy := c.strategies.Strategy(c.resolve(canonical))
	gen := c.gen

	id, ok := c.raw.Decode(canonical, strategy, func(res *rawpool.DecodeResult) {
		if gen != c.gen {
			return
		}
		if done == nil {
			return
		}
		if res.Success {
			b, err := res.Bitmap()
			if err != nil {
				done(nil, &Failure{Kind: DecodeFailure, TaskID: res.TaskID, FilePath: canonical, Err: err})
				return
			}
			done(b, nil)
			return
		}
		kind := DecodeFailure
		if res.Crashed {
			kind = ProcessCrash
		}
		done(nil, &Failure{Kind: kind, TaskID: res.TaskID, FilePath: canonical, Err: errors.New(res.Error)})
	})
	if !ok {
		return 0, &Failure{Kind: SubmissionRejected, FilePath: path, Err: ErrShuttingDown}
	}
	c.logger.Debug("raw decode queued", "task_id", id, "path", canonical, "strategy", strategy)
	return id, nil
}

// DrainRawResults delivers up to limit finished RAW results and returns how
// many callbacks ran.
func (c *Coordinator) DrainRawResults(limit int) int {
	return c.raw.Drain(limit)
}

// CancelAll drops all queued work on both pools, cancels every tracked task
// handle and starts a new generation so in-flight completions are ignored.
// No callbacks run for anything it cancels.
func (c *Coordinator) CancelAll() {
	cleared := c.sched.Clear()
	for id, h := range c.handles {
		h.Cancel()
		delete(c.handles, id)
	}
	c.raw.CancelAll()

	c.genCancel()
	c.gen++
	c.genCtx, c.genCancel = context.WithCancel(c.baseCtx)

	c.logger.Debug("cancelled all pending work", "cleared", cleared, "generation", c.gen)
}

// Shutdown rejects new work, cancels everything, waits for the thread pool to
// drain and stops the worker processes. It is idempotent.
func (c *Coordinator) Shutdown() {
	if c.stopped {
		return
	}
	c.stopped = true
	c.running.Store(false)

	c.CancelAll()
	c.sched.Shutdown()
	c.raw.Shutdown()
	// Completions posted while draining belong to the old generation.
	c.loop.RunPending()
	c.baseCancel()

	c.logger.Info("coordinator stopped")
}

// Stats is a point-in-time view of every subsystem.
type Stats struct {
	Scheduler     scheduler.Stats
	RawPool       rawpool.Stats
	CacheEntries  int
	CacheCapacity int
	CacheBytes    int64
	Generation    uint64
}

// Stats returns current counters. Owner goroutine only.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Scheduler:     c.sched.Stats(),
		RawPool:       c.raw.Stats(),
		CacheEntries:  c.cache.Len(),
		CacheCapacity: c.cache.Capacity(),
		CacheBytes:    c.cache.Bytes(),
		Generation:    c.gen,
	}
}
