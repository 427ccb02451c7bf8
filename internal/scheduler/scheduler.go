// Package scheduler runs short imaging tasks on a fixed worker pool with
// three strict priority lanes.
//
// A worker always takes from the highest non-empty lane. Within a lane tasks
// start in submission order. There is no aging: a steady stream of High work
// starves Low work indefinitely.
//
// Completion callbacks are handed to a Dispatcher so that they run on the
// caller's owner goroutine rather than on a worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironsheep/imagecore/internal/logger"
)

// Priority is a scheduling lane. Lower values run first.
type Priority int

const (
	High Priority = iota
	Medium
	Low

	numLanes = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three lanes.
func (p Priority) Valid() bool { return p >= High && p <= Low }

var (
	// ErrCancelled is the outcome error of a task removed from its lane
	// before it started.
	ErrCancelled = errors.New("task cancelled before start")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("scheduler is shut down")
)

// PanicError is the outcome error of a task whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// TaskFunc is the unit of work. It should return promptly once ctx is done.
type TaskFunc func(ctx context.Context) (any, error)

// Outcome is delivered to a task's completion callback.
type Outcome struct {
	TaskID   uint64
	Priority Priority
	Value    any
	Err      error
}

// Dispatcher moves completion callbacks onto the goroutine that owns the
// caller's state.
type Dispatcher interface {
	Post(fn func())
}

// Inline runs callbacks directly on the worker goroutine.
type Inline struct{}

func (Inline) Post(fn func()) { fn() }

// Metrics observes scheduler activity. *metrics.Collectors implements it.
type Metrics interface {
	TaskQueued(priority string)
	TaskStarted(priority string, wait time.Duration)
	TaskFinished(priority, outcome string, d time.Duration)
	TasksCancelled(priority string, n int)
}

type noopMetrics struct{}

func (noopMetrics) TaskQueued(string)                          {}
func (noopMetrics) TaskStarted(string, time.Duration)          {}
func (noopMetrics) TaskFinished(string, string, time.Duration) {}
func (noopMetrics) TasksCancelled(string, int)                 {}

// Config sizes the pool.
type Config struct {
	// Workers is the number of concurrent tasks. Values below one mean one.
	Workers int

	// PollInterval bounds how long an idle worker sleeps between lane checks
	// when no wakeup arrives.
	PollInterval time.Duration
}

const (
	stateQueued int32 = iota
	stateRunning
	stateDone
	stateCancelled
)

// Handle refers to one submitted task.
type Handle struct {
	id       uint64
	priority Priority
	state    atomic.Int32
	s        *Scheduler
}

// ID returns the task's identifier, unique within its scheduler.
func (h *Handle) ID() uint64 { return h.id }

// Priority returns the lane the task was submitted to.
func (h *Handle) Priority() Priority { return h.priority }

// Cancel removes the task from its lane. It succeeds only if the task has not
// started; a cancelled task never runs and its callback is never invoked.
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(stateQueued, stateCancelled) {
		return false
	}
	h.s.unqueue(h)
	h.s.metrics.TasksCancelled(h.priority.String(), 1)
	return true
}

// Started reports whether a worker has picked the task up.
func (h *Handle) Started() bool {
	st := h.state.Load()
	return st == stateRunning || st == stateDone
}

// Done reports whether the task has finished running.
func (h *Handle) Done() bool { return h.state.Load() == stateDone }

// Cancelled reports whether the task was cancelled before it started.
func (h *Handle) Cancelled() bool { return h.state.Load() == stateCancelled }

type task struct {
	h        *Handle
	ctx      context.Context
	fn       TaskFunc
	done     func(Outcome)
	enqueued time.Time
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Workers   int
	Active    int
	Queued    [numLanes]int
	Completed uint64
}

// Scheduler is a strict-priority worker pool.
type Scheduler struct {
	cfg      Config
	dispatch Dispatcher
	logger   *slog.Logger
	metrics  Metrics

	mu     sync.Mutex
	lanes  [numLanes][]*task
	closed bool

	wake      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	nextID    atomic.Uint64
	active    atomic.Int32
	completed atomic.Uint64
}

// New starts a scheduler with cfg.Workers goroutines.
//
// d receives every completion callback; nil means Inline. log and m may be nil.
func New(cfg Config, d Dispatcher, log *slog.Logger, m Metrics) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if d == nil {
		d = Inline{}
	}
	if m == nil {
		m = noopMetrics{}
	}

	s := &Scheduler{
		cfg:      cfg,
		dispatch: d,
		logger:   logger.OrDiscard(log).With("component", "scheduler"),
		metrics:  m,
		wake:     make(chan struct{}, cfg.Workers),
		stop:     make(chan struct{}),
	}
	s.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go s.worker(i)
	}
	s.logger.Debug("scheduler started", "workers", cfg.Workers)
	return s
}

// Submit queues fn on lane p. done, if non-nil, receives the outcome through
// the dispatcher once fn returns.
//
// ctx is passed to fn. It does not remove the task from its lane; use
// Handle.Cancel for that.
func (s *Scheduler) Submit(ctx context.Context, p Priority, fn TaskFunc, done func(Outcome)) (*Handle, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	if fn == nil {
		return nil, errors.New("nil task function")
	}

	h := &Handle{id: s.nextID.Add(1), priority: p, s: s}
	t := &task{h: h, ctx: ctx, fn: fn, done: done, enqueued: time.Now()}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.lanes[p] = append(s.lanes[p], t)
	s.mu.Unlock()

	s.metrics.TaskQueued(p.String())
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// CancelQueued cancels every not-yet-started task on lane p and delivers
// ErrCancelled to each one's callback. Returns the number cancelled.
func (s *Scheduler) CancelQueued(p Priority) int {
	if !p.Valid() {
		return 0
	}
	s.mu.Lock()
	queued := s.lanes[p]
	s.lanes[p] = nil
	s.mu.Unlock()

	n := 0
	for _, t := range queued {
		if !t.h.state.CompareAndSwap(stateQueued, stateCancelled) {
			continue
		}
		n++
		if t.done != nil {
			out := Outcome{TaskID: t.h.id, Priority: p, Err: ErrCancelled}
			done := t.done
			s.dispatch.Post(func() { done(out) })
		}
	}
	s.metrics.TasksCancelled(p.String(), n)
	return n
}

// Clear cancels every queued task on every lane without invoking callbacks.
// Running tasks are unaffected. Returns the number cancelled.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	var lanes [numLanes][]*task
	lanes, s.lanes = s.lanes, [numLanes][]*task{}
	s.mu.Unlock()

	total := 0
	for p, queued := range lanes {
		n := 0
		for _, t := range queued {
			if t.h.state.CompareAndSwap(stateQueued, stateCancelled) {
				n++
			}
		}
		s.metrics.TasksCancelled(Priority(p).String(), n)
		total += n
	}
	return total
}

// Shutdown stops accepting work and blocks until every worker has drained the
// lanes and exited. Call Clear first to skip queued work.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.logger.Debug("scheduler stopped", "completed", s.completed.Load())
}

// Stats returns current lane depths and counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Workers:   s.cfg.Workers,
		Active:    int(s.active.Load()),
		Completed: s.completed.Load(),
	}
	s.mu.Lock()
	for p := range s.lanes {
		st.Queued[p] = len(s.lanes[p])
	}
	s.mu.Unlock()
	return st
}

// unqueue drops a cancelled task from its lane so lane depth stays accurate.
func (s *Scheduler) unqueue(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane := s.lanes[h.priority]
	for i, t := range lane {
		if t.h == h {
			s.lanes[h.priority] = append(lane[:i:i], lane[i+1:]...)
			return
		}
	}
}

// next pops the oldest task of the highest non-empty lane.
func (s *Scheduler) next() (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.lanes {
		for len(s.lanes[p]) > 0 {
			t := s.lanes[p][0]
			s.lanes[p][0] = nil
			s.lanes[p] = s.lanes[p][1:]
			if t.h.state.CompareAndSwap(stateQueued, stateRunning) {
				return t, false
			}
		}
	}
	return nil, s.closed
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	poll := time.NewTimer(s.cfg.PollInterval)
	defer poll.Stop()

	for {
		t, closed := s.next()
		if t != nil {
			s.run(t)
			continue
		}
		if closed {
			return
		}

		poll.Reset(s.cfg.PollInterval)
		select {
		case <-s.wake:
		case <-poll.C:
		case <-s.stop:
		}
	}
}

func (s *Scheduler) run(t *task) {
	lane := t.h.priority.String()
	start := time.Now()
	s.metrics.TaskStarted(lane, start.Sub(t.enqueued))
	s.active.Add(1)

	out := s.execute(t)

	s.active.Add(-1)
	t.h.state.Store(stateDone)
	s.completed.Add(1)

	outcome := "ok"
	var pe *PanicError
	switch {
	case errors.As(out.Err, &pe):
		outcome = "panic"
	case out.Err != nil:
		outcome = "error"
		s.logger.Debug("task failed", "task_id", t.h.id, "priority", lane, "error", out.Err)
	}
	s.metrics.TaskFinished(lane, outcome, time.Since(start))

	if t.done != nil {
		done := t.done
		s.dispatch.Post(func() { done(out) })
	}
}

// execute runs the task function, converting a panic into a PanicError so one
// bad task never takes a worker down.
func (s *Scheduler) execute(t *task) (out Outcome) {
	out = Outcome{TaskID: t.h.id, Priority: t.h.priority}
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.logger.Error("task panicked",
				"task_id", t.h.id,
				"priority", t.h.priority.String(),
				"panic", r,
				"stack", string(stack))
			out.Value = nil
			out.Err = &PanicError{Value: r, Stack: stack}
		}
	}()
	out.Value, out.Err = t.fn(t.ctx)
	return out
}
