package rawpool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/logger"
)

// WorkerEnv, when set to "1", makes a binary that calls MaybeRunWorker behave
// as a decode worker. Test binaries use it to re-exec themselves.
const WorkerEnv = "IMAGECORE_DECODE_WORKER"

// DecodeFunc decodes one request into a bitmap.
type DecodeFunc func(req *DecodeRequest) (*imaging.Bitmap, error)

// DefaultDecode runs imaging.DecodeRaw with the request's options.
func DefaultDecode(req *DecodeRequest) (*imaging.Bitmap, error) {
	return imaging.DecodeRaw(req.FilePath, imaging.RawOptions{
		Strategy:     req.Strategy,
		MaxDimension: req.MaxDimension,
		Gamma:        req.Gamma,
	})
}

// Worker is the process side of the pool: it reads requests from one stream
// and writes results to another until told to stop.
type Worker struct {
	decode DecodeFunc
	logger *slog.Logger
}

// NewWorker creates a worker. A nil decode uses DefaultDecode.
func NewWorker(decode DecodeFunc, log *slog.Logger) *Worker {
	if decode == nil {
		decode = DefaultDecode
	}
	return &Worker{decode: decode, logger: logger.OrDiscard(log)}
}

// Run serves requests from r, writing results to w. It returns nil on a
// shutdown request or when r is closed.
func (wk *Worker) Run(r io.Reader, w io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	bw := bufio.NewWriterSize(w, 1024*1024)

	for {
		var req DecodeRequest
		if err := ReadFrame(br, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}
		if req.Shutdown {
			wk.logger.Debug("decode worker shutting down")
			return nil
		}

		res := wk.handleRequest(&req)
		if err := WriteResult(bw, res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush result: %w", err)
		}
	}
}

// handleRequest decodes one file. A panicking decoder is reported as a
// failed result; the process keeps serving.
func (wk *Worker) handleRequest(req *DecodeRequest) (res *DecodeResult) {
	res = &DecodeResult{TaskID: req.TaskID, FilePath: req.FilePath}

	if req.ProtocolVersion != ProtocolVersion {
		res.Error = fmt.Sprintf("protocol version mismatch: got %d, want %d", req.ProtocolVersion, ProtocolVersion)
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			wk.logger.Error("decoder panicked", "path", req.FilePath, "panic", r)
			*res = DecodeResult{TaskID: req.TaskID, FilePath: req.FilePath, Error: fmt.Sprintf("decoder panicked: %v", r)}
		}
	}()

	b, err := wk.decode(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.FilePath = b.Path
	res.Source = b.Source
	res.Width = b.Width()
	res.Height = b.Height()
	res.Stride = b.Image.Stride
	res.Pixels = b.Image.Pix
	return res
}

// RunWorker serves the decode protocol on stdin and stdout, logging to
// stderr, and returns a process exit code.
func RunWorker(decode DecodeFunc) int {
	log := logger.New(os.Stderr, os.Getenv("IMAGECORE_WORKER_LOG_LEVEL"), "text").
		With("component", "decode-worker", "pid", os.Getpid())

	if err := NewWorker(decode, log).Run(os.Stdin, os.Stdout); err != nil {
		log.Error("decode worker failed", "error", err)
		return 1
	}
	return 0
}

// MaybeRunWorker turns the current process into a decode worker when WorkerEnv
// is set, and exits. Call it first thing in main or TestMain.
func MaybeRunWorker(decode DecodeFunc) {
	if os.Getenv(WorkerEnv) == "1" {
		os.Exit(RunWorker(decode))
	}
}
