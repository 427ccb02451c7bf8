// Package browse is a thin controller over the coordinator: it shows one file
// at a time, keeps that file pinned in the cache and drives the preload
// planner as the user moves.
//
// A Session belongs to the coordinator's owner goroutine.
package browse

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/logger"
	"github.com/ironsheep/imagecore/internal/preload"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

// ErrEmpty is returned when a session has no files.
var ErrEmpty = errors.New("no images to browse")

// View is what the session hands the display for the current index.
type View struct {
	Index     int
	Path      string
	Bitmap    *imaging.Bitmap
	FromCache bool
	Err       error
}

// Options configures a session. Every field is optional.
type Options struct {
	Logger *slog.Logger

	// OnShow receives each view for the index that is current when the
	// result arrives.
	OnShow func(View)

	// OnWarning is called once per camera model whose RAW strategy had to be
	// downgraded.
	OnWarning func(model string, next imaging.Strategy, err error)

	// Preload overrides the planner settings taken from the coordinator
	// config.
	Preload *preload.Config
}

// Session walks a fixed list of files.
type Session struct {
	coord   *coordinator.Coordinator
	planner *preload.Planner
	logger  *slog.Logger
	opts    Options

	files   []string
	index   int
	maxDim  int
	thumbSz int
	warned  map[string]bool
}

// New creates a session over files. Paths are canonicalized.
func New(c *coordinator.Coordinator, files []string, opts Options) (*Session, error) {
	if len(files) == 0 {
		return nil, ErrEmpty
	}
	canonical := make([]string, len(files))
	for i, f := range files {
		canonical[i] = imaging.CanonicalPath(f)
	}

	cfg := c.Config()
	pcfg := preload.ConfigFrom(cfg)
	if opts.Preload != nil {
		pcfg = *opts.Preload
	}

	return &Session{
		coord:   c,
		planner: preload.New(c, canonical, pcfg, opts.Logger),
		logger:  logger.OrDiscard(opts.Logger).With("component", "browse"),
		opts:    opts,
		files:   canonical,
		index:   -1,
		maxDim:  cfg.RawPool.MaxDimension,
		thumbSz: cfg.Preload.ThumbnailSize,
		warned:  make(map[string]bool),
	}, nil
}

// Files returns the canonical file list.
func (s *Session) Files() []string { return s.files }

// Index returns the current index, or -1 before the first Show.
func (s *Session) Index() int { return s.index }

// Planner exposes the session's preload planner.
func (s *Session) Planner() *preload.Planner { return s.planner }

// Next shows the following file, wrapping at the end.
func (s *Session) Next() error { return s.Show(s.wrap(s.index + 1)) }

// Prev shows the preceding file, wrapping at the start.
func (s *Session) Prev() error { return s.Show(s.wrap(s.index - 1)) }

func (s *Session) wrap(i int) int {
	n := len(s.files)
	return ((i % n) + n) % n
}

// Show makes index current. A usable cached bitmap is shown immediately;
// otherwise a High priority load (or a RAW decode) is submitted and the view arrives
// later, provided index is still current by then. Preloads for the
// neighbourhood are planned after the foreground request.
func (s *Session) Show(index int) error {
	if index < 0 || index >= len(s.files) {
		return errors.New("browse: index out of range")
	}
	s.index = index
	path := s.files[index]
	cache := s.coord.Cache()
	cache.Pin(path)

	var err error
	if b, ok := cache.Get(path); ok && s.usable(path, b) {
		s.deliver(View{Index: index, Path: path, Bitmap: b, FromCache: true})
	} else if imaging.IsRaw(path) {
		err = s.decodeRaw(index, path)
	} else {
		err = s.load(index, path)
	}

	s.planner.Navigate(index)
	return err
}

// usable reports whether a cached bitmap can be shown as is. A RAW preloaded
// as its embedded preview does not stand in for a model still decoded in full.
func (s *Session) usable(path string, b *imaging.Bitmap) bool {
	if !imaging.IsRaw(path) {
		return true
	}
	return b.Source == s.coord.Strategies().Strategy(s.coord.ModelOf(path)).Source()
}

func (s *Session) load(index int, path string) error {
	maxDim := s.maxDim
	_, err := s.coord.SubmitImagingTask(scheduler.High, func(ctx context.Context) (any, error) {
		return imaging.Load(path, maxDim)
	}, func(r coordinator.TaskResult) {
		if r.Err != nil {
			s.failed(index, path, r.Err)
			return
		}
		s.loaded(index, path, r.Value.(*imaging.Bitmap))
	})
	return err
}

func (s *Session) decodeRaw(index int, path string) error {
	_, err := s.coord.SubmitRawDecode(path, func(b *imaging.Bitmap, err error) {
		if err == nil {
			s.loaded(index, path, b)
			return
		}
		if coordinator.IsKind(err, coordinator.DecodeFailure) && index == s.index && s.downgrade(path, err) {
			if rerr := s.decodeRaw(index, path); rerr != nil {
				s.failed(index, path, rerr)
			}
			return
		}
		s.failed(index, path, err)
	})
	return err
}

// downgrade steps the camera model of path to a cheaper strategy, warning the
// first time each model is downgraded. It reports whether a retry is worth it.
func (s *Session) downgrade(path string, cause error) bool {
	model := s.coord.ModelOf(path)
	next, ok := s.coord.Strategies().Downgrade(model)
	if !ok {
		return false
	}
	if !s.warned[model] {
		s.warned[model] = true
		s.logger.Warn("raw decode failed; switching strategy for camera model",
			"model", model, "strategy", next, "path", path, "error", cause)
		if s.opts.OnWarning != nil {
			s.opts.OnWarning(model, next, cause)
		}
	}
	return true
}

func (s *Session) loaded(index int, path string, b *imaging.Bitmap) {
	cache := s.coord.Cache()
	if index != s.index {
		// The user moved on; keep it only if there is room.
		cache.InsertSpeculative(path, b)
		s.logger.Debug("discarding view for stale index", "index", index, "current", s.index, "path", path)
		return
	}
	if old, ok := cache.Get(path); ok && old != b {
		cache.Evict(path)
	}
	cache.Insert(path, b)
	s.deliver(View{Index: index, Path: path, Bitmap: b})
}

func (s *Session) failed(index int, path string, err error) {
	if index != s.index {
		return
	}
	s.logger.Error("failed to show image", "index", index, "path", path, "error", err)
	s.deliver(View{Index: index, Path: path, Err: err})
}

func (s *Session) deliver(v View) {
	if s.opts.OnShow != nil {
		s.opts.OnShow(v)
	}
}

// RequestThumbnail builds a thumbnail for index at Medium priority. done runs
// on the owner goroutine.
func (s *Session) RequestThumbnail(index int, done func(*imaging.Bitmap, error)) error {
	if index < 0 || index >= len(s.files) {
		return errors.New("browse: index out of range")
	}
	path, size := s.files[index], s.thumbSz
	_, err := s.coord.SubmitImagingTask(scheduler.Medium, func(ctx context.Context) (any, error) {
		return imaging.MakeThumbnail(path, size)
	}, func(r coordinator.TaskResult) {
		if r.Err != nil {
			done(nil, r.Err)
			return
		}
		done(r.Value.(*imaging.Bitmap), nil)
	})
	return err
}

// CancelAll drops every outstanding request and preload.
func (s *Session) CancelAll() {
	s.coord.CancelAll()
	s.planner.Reset()
}

// Close stops idle preloading and releases the pin.
func (s *Session) Close() {
	s.planner.StopIdle()
	s.coord.Cache().Pin("")
}
