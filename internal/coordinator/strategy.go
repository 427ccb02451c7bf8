package coordinator

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/ironsheep/imagecore/internal/imaging"
)

// StrategyStore remembers the RAW decode strategy that works for each camera
// model.
type StrategyStore interface {
	// Strategy returns the strategy to try for model.
	Strategy(model string) imaging.Strategy

	// Downgrade records that the current strategy failed for model and
	// returns the one to use next. ok is false when there is nothing cheaper.
	Downgrade(model string) (next imaging.Strategy, ok bool)
}

// ModelResolver names the camera model of a RAW file.
type ModelResolver func(path string) string

// ModelFromExtension treats the upper-cased file extension as the model. It
// groups files by vendor format when no metadata reader is configured.
func ModelFromExtension(path string) string {
	return strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
}

// MemoryStrategyStore is an in-process StrategyStore.
type MemoryStrategyStore struct {
	mu     sync.Mutex
	def    imaging.Strategy
	models map[string]imaging.Strategy
}

// NewMemoryStrategyStore returns a store where every model starts at def.
func NewMemoryStrategyStore(def imaging.Strategy) *MemoryStrategyStore {
	if !def.Valid() {
		def = imaging.StrategyFull
	}
	return &MemoryStrategyStore{def: def, models: make(map[string]imaging.Strategy)}
}

func (s *MemoryStrategyStore) Strategy(model string) imaging.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.models[model]; ok {
		return st
	}
	return s.def
}

func (s *MemoryStrategyStore) Downgrade(model string) (imaging.Strategy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.models[model]
	if !ok {
		cur = s.def
	}
	next, ok := cur.Downgrade()
	if ok {
		s.models[model] = next
	}
	return next, ok
}

// Models returns a copy of every model with a recorded strategy.
func (s *MemoryStrategyStore) Models() map[string]imaging.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]imaging.Strategy, len(s.models))
	for k, v := range s.models {
		out[k] = v
	}
	return out
}
