// Package rawpool decodes camera RAW files in separate OS processes.
//
// RAW decoders are heavy and, for exotic camera models, occasionally crash.
// Running them out of process keeps both their CPU time and their failures
// away from the host. Each worker process is the host binary re-executed in
// decode-worker mode; requests and results travel over its stdin and stdout
// as length-prefixed JSON frames followed by raw pixel bytes.
//
// All workers share one unbounded input queue and one output queue. Results
// are not delivered as they arrive: the owner goroutine calls Drain, which
// matches each result to the callback registered by Decode. Decode, Drain and
// CancelAll must therefore all be called from that one goroutine.
package rawpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/logger"
)

// ErrNoWorkers is the error text of results synthesized after every worker
// process has died.
var ErrNoWorkers = errors.New("no decode worker processes are running")

// Callback receives the result of one decode on the owner goroutine.
type Callback func(*DecodeResult)

// Metrics observes pool activity. *metrics.Collectors implements it.
type Metrics interface {
	DecodeQueued()
	DecodeFinished(status string, d time.Duration)
	ResultsDropped(n int)
	WorkersAlive(n int)
}

type noopMetrics struct{}

func (noopMetrics) DecodeQueued()                        {}
func (noopMetrics) DecodeFinished(string, time.Duration) {}
func (noopMetrics) ResultsDropped(int)                   {}
func (noopMetrics) WorkersAlive(int)                     {}

// Config describes the worker processes.
type Config struct {
	// Workers is the number of processes. Values below one mean one.
	Workers int

	// Command and Args start one worker. Env is appended to the host
	// environment along with WorkerEnv=1.
	Command string
	Args    []string
	Env     []string

	// ShutdownTimeout bounds how long Shutdown waits before killing workers.
	ShutdownTimeout time.Duration

	// MaxDimension and Gamma are forwarded with every request.
	MaxDimension int
	Gamma        float64
}

type process struct {
	id     string
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	exited chan struct{}
}

// Pool is a fixed set of decode worker processes.
type Pool struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	input  *requestQueue
	output *resultQueue

	// pending is touched only on the owner goroutine.
	pending map[uint64]Callback
	nextID  uint64

	procs   []*process
	hosts   sync.WaitGroup
	alive   atomic.Int32
	started atomic.Bool
	closing atomic.Bool
	broken  atomic.Bool
}

// New creates a pool. Call Start to launch the processes.
func New(cfg Config, log *slog.Logger, m Metrics) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if m == nil {
		m = noopMetrics{}
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.OrDiscard(log).With("component", "rawpool"),
		metrics: m,
		input:   newRequestQueue(),
		output:  newResultQueue(),
		pending: make(map[uint64]Callback),
	}
}

// Start launches every worker process. If any fails to start, the ones that
// did are killed and the first error is returned.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("rawpool already started")
	}
	if p.cfg.Command == "" {
		return errors.New("rawpool: no worker command configured")
	}

	procs := make([]*process, p.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range procs {
		g.Go(func() error {
			pr, err := p.spawn(gctx)
			if err != nil {
				return fmt.Errorf("start decode worker %d: %w", i, err)
			}
			procs[i] = pr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, pr := range procs {
			if pr != nil {
				_ = pr.cmd.Process.Kill()
				pr.stdin.Close()
				<-pr.exited
				pr.stdout.Close()
			}
		}
		return err
	}

	p.procs = procs
	p.alive.Store(int32(len(procs)))
	p.metrics.WorkersAlive(len(procs))
	for _, pr := range procs {
		p.hosts.Add(1)
		go p.host(pr)
	}
	p.logger.Info("decode workers started", "workers", len(procs))
	return nil
}

// spawn starts one worker with its own stdin and stdout pipes. os.Pipe is used
// rather than Cmd.StdoutPipe so that reads may continue after the process has
// been reaped.
func (p *Pool) spawn(ctx context.Context) (*process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, err
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(append(os.Environ(), WorkerEnv+"=1"), p.cfg.Env...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, err
	}
	// The child holds its own copies.
	inR.Close()
	outW.Close()

	pr := &process{
		id:     uuid.NewString(),
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.logger.Debug("decode worker exited", "worker", pr.id, "pid", cmd.Process.Pid, "status", err)
		close(pr.exited)
	}()
	return pr, nil
}

// host feeds one worker process from the shared input queue until it pops a
// sentinel or the process dies.
func (p *Pool) host(pr *process) {
	defer p.hosts.Done()
	defer pr.stdout.Close()

	log := p.logger.With("worker", pr.id, "pid", pr.cmd.Process.Pid)
	bw := bufio.NewWriter(pr.stdin)
	br := bufio.NewReaderSize(pr.stdout, 1024*1024)

	for {
		req := p.input.pop()
		if req == nil {
			_ = WriteFrame(bw, &DecodeRequest{ProtocolVersion: ProtocolVersion, Shutdown: true})
			_ = bw.Flush()
			pr.stdin.Close()
			_, _ = io.Copy(io.Discard, br)
			p.workerGone(false)
			return
		}

		start := time.Now()
		res, err := p.roundTrip(bw, br, req)
		if err != nil {
			if p.closing.Load() {
				log.Debug("decode worker stopped mid-request", "task_id", req.TaskID, "error", err)
			} else {
				log.Error("decode worker exited unexpectedly",
					"task_id", req.TaskID, "path", req.FilePath, "error", err)
			}
			p.metrics.DecodeFinished("crashed", time.Since(start))
			p.output.push(crashResult(req, err))
			pr.stdin.Close()
			p.workerGone(true)
			return
		}

		status := "ok"
		if !res.Success {
			status = "failed"
		}
		p.metrics.DecodeFinished(status, time.Since(start))
		p.output.push(res)
	}
}

func (p *Pool) roundTrip(bw *bufio.Writer, br *bufio.Reader, req *DecodeRequest) (*DecodeResult, error) {
	if err := WriteFrame(bw, req); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	res, err := ReadResult(br)
	if err != nil {
		return nil, err
	}
	if res.TaskID != req.TaskID {
		return nil, fmt.Errorf("worker answered task %d for request %d", res.TaskID, req.TaskID)
	}
	return res, nil
}

// workerGone records a host exit. When the last worker dies unexpectedly every
// queued request fails at once rather than waiting forever.
func (p *Pool) workerGone(crashed bool) {
	n := p.alive.Add(-1)
	p.metrics.WorkersAlive(int(n))
	if crashed && n == 0 && !p.closing.Load() {
		p.broken.Store(true)
		p.logger.Error("all decode workers have exited; failing queued requests")
		p.failQueued()
	}
}

func (p *Pool) failQueued() {
	for _, req := range p.input.takeRequests() {
		p.output.push(crashResult(req, ErrNoWorkers))
	}
}

func crashResult(req *DecodeRequest, err error) *DecodeResult {
	return &DecodeResult{
		TaskID:   req.TaskID,
		FilePath: req.FilePath,
		Error:    fmt.Sprintf("decode worker crashed: %v", err),
		Crashed:  true,
	}
}

// Decode queues path for decoding with strategy and registers cb to receive
// the result from a later Drain. It returns the task id, or false once the
// pool is shutting down.
//
// Owner goroutine only.
func (p *Pool) Decode(path string, strategy imaging.Strategy, cb Callback) (uint64, bool) {
	if p.closing.Load() {
		return 0, false
	}
	p.nextID++
	id := p.nextID
	p.pending[id] = cb
	p.metrics.DecodeQueued()

	req := &DecodeRequest{
		ProtocolVersion: ProtocolVersion,
		TaskID:          id,
		FilePath:        path,
		Strategy:        strategy,
		MaxDimension:    p.cfg.MaxDimension,
		Gamma:           p.cfg.Gamma,
	}
	if p.broken.Load() {
		p.output.push(crashResult(req, ErrNoWorkers))
		return id, true
	}
	p.input.push(req)
	// The last worker may have died between the check and the push.
	if p.broken.Load() {
		p.failQueued()
	}
	return id, true
}

// Drain delivers up to limit finished results to their callbacks, oldest
// first, and returns how many callbacks ran. Results whose request was
// cancelled are discarded. limit <= 0 drains everything.
//
// Owner goroutine only.
func (p *Pool) Drain(limit int) int {
	delivered, dropped := 0, 0
	for _, res := range p.output.popN(limit) {
		cb, ok := p.pending[res.TaskID]
		if !ok {
			dropped++
			continue
		}
		delete(p.pending, res.TaskID)
		if cb != nil {
			cb(res)
		}
		delivered++
	}
	p.metrics.ResultsDropped(dropped)
	return delivered
}

// Ready is signalled whenever results are waiting to be drained.
func (p *Pool) Ready() <-chan struct{} { return p.output.ready }

// CancelAll discards queued requests, undrained results and every registered
// callback. Requests already inside a worker run to completion and their
// results are dropped by Drain.
//
// Owner goroutine only.
func (p *Pool) CancelAll() {
	requests := len(p.input.takeRequests())
	results := p.output.clear()
	callbacks := len(p.pending)
	clear(p.pending)
	if requests+results+callbacks > 0 {
		p.logger.Debug("raw decodes cancelled",
			"queued", requests, "undrained", results, "callbacks", callbacks)
	}
}

// Shutdown cancels everything, asks each worker to exit and waits up to
// ShutdownTimeout before killing the stragglers. It is safe to call more than
// once and before Start.
//
// Owner goroutine only.
func (p *Pool) Shutdown() {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.CancelAll()
	if len(p.procs) == 0 {
		return
	}

	for range p.procs {
		p.input.push(nil)
	}

	done := make(chan struct{})
	go func() {
		p.hosts.Wait()
		for _, pr := range p.procs {
			<-pr.exited
		}
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("decode workers stopped")
		return
	case <-time.After(p.cfg.ShutdownTimeout):
	}

	killed := 0
	for _, pr := range p.procs {
		select {
		case <-pr.exited:
		default:
			if err := pr.cmd.Process.Kill(); err == nil {
				killed++
			}
		}
	}
	p.logger.Warn("decode workers did not exit in time; killed", "killed", killed)
	<-done
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Alive     int
	Queued    int
	Undrained int
	Pending   int
}

// Stats returns current counters. Pending is read from the owner-only map,
// so call it from the owner goroutine.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Alive:     int(p.alive.Load()),
		Queued:    p.input.len(),
		Undrained: p.output.len(),
		Pending:   len(p.pending),
	}
}
