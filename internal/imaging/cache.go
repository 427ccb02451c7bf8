package imaging

import (
	"container/list"
	"math"
)

// Pressure is a memory-pressure tier reported by the coordinator's monitor.
type Pressure int

const (
	PressureNone Pressure = iota
	PressureCaution
	PressureWarning
	PressureDanger
)

func (p Pressure) String() string {
	switch p {
	case PressureCaution:
		return "caution"
	case PressureWarning:
		return "warning"
	case PressureDanger:
		return "danger"
	default:
		return "none"
	}
}

// EvictionPolicy decides how much of the cache a pressure tier removes.
type EvictionPolicy struct {
	CautionRatio float64
	WarningRatio float64
	DangerRatio  float64

	// MinRetained is the entry count below which tier eviction stops.
	MinRetained int
}

// DefaultEvictionPolicy removes 15%, 30% and 50% of entries per tier and
// never shrinks the cache below ten entries.
func DefaultEvictionPolicy() EvictionPolicy {
	return EvictionPolicy{
		CautionRatio: 0.15,
		WarningRatio: 0.30,
		DangerRatio:  0.50,
		MinRetained:  10,
	}
}

// Ratio returns the fraction of entries to remove under tier p.
func (e EvictionPolicy) Ratio(p Pressure) float64 {
	switch p {
	case PressureCaution:
		return e.CautionRatio
	case PressureWarning:
		return e.WarningRatio
	case PressureDanger:
		return e.DangerRatio
	default:
		return 0
	}
}

// CacheMetrics observes cache activity. *metrics.Collectors implements it.
type CacheMetrics interface {
	CacheSize(n int)
	CacheEvicted(reason string, n int)
	CacheInsertSkipped()
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) CacheSize(int)            {}
func (noopCacheMetrics) CacheEvicted(string, int) {}
func (noopCacheMetrics) CacheInsertSkipped()      {}

type cacheEntry struct {
	key    string
	bitmap *Bitmap
}

// ImageCache is a bounded store of decoded bitmaps keyed by canonical path.
//
// Entries are ordered by insertion, not by access: eviction always removes the
// oldest unpinned entry first. One path, normally the image on screen, may be
// pinned, and the pinned entry survives every eviction except an explicit
// Evict or Clear.
//
// ImageCache is not safe for concurrent use. It is owned by the coordinator's
// owner goroutine.
//
// # Example Usage
//
//	cache := imaging.NewImageCache(80, imaging.DefaultEvictionPolicy(), nil)
//	cache.Pin(path)
//	cache.Insert(path, bmp)
//	if b, ok := cache.Get(path); ok {
//	    show(b)
//	}
type ImageCache struct {
	capacity int
	policy   EvictionPolicy
	metrics  CacheMetrics

	order   *list.List // front is oldest
	entries map[string]*list.Element
	pinned  string
}

// NewImageCache creates an empty cache holding at most capacity bitmaps.
//
// A capacity below one is raised to one. m may be nil.
func NewImageCache(capacity int, policy EvictionPolicy, m CacheMetrics) *ImageCache {
	if capacity < 1 {
		capacity = 1
	}
	if m == nil {
		m = noopCacheMetrics{}
	}
	return &ImageCache{
		capacity: capacity,
		policy:   policy,
		metrics:  m,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the bitmap cached for path.
func (c *ImageCache) Get(path string) (*Bitmap, bool) {
	el, ok := c.entries[CanonicalPath(path)]
	if !ok {
		return nil, false
	}
	return el.Value.(*cacheEntry).bitmap, true
}

// Contains reports whether path is cached.
func (c *ImageCache) Contains(path string) bool {
	_, ok := c.entries[CanonicalPath(path)]
	return ok
}

// Insert adds a bitmap for a foreground load.
//
// If path is already cached the existing entry is kept and Insert returns
// false. At capacity the oldest unpinned entries are evicted to make room.
func (c *ImageCache) Insert(path string, b *Bitmap) bool {
	key := CanonicalPath(path)
	if _, ok := c.entries[key]; ok {
		return false
	}
	evicted := 0
	for c.order.Len() >= c.capacity {
		if !c.evictOldest() {
			break
		}
		evicted++
	}
	c.metrics.CacheEvicted("capacity", evicted)
	c.add(key, b)
	return true
}

// InsertSpeculative adds a bitmap produced by preloading. A full cache skips
// the insert instead of evicting, so speculation never displaces work the
// user asked for.
func (c *ImageCache) InsertSpeculative(path string, b *Bitmap) bool {
	key := CanonicalPath(path)
	if _, ok := c.entries[key]; ok {
		return false
	}
	if c.Full() {
		c.metrics.CacheInsertSkipped()
		return false
	}
	c.add(key, b)
	return true
}

func (c *ImageCache) add(key string, b *Bitmap) {
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, bitmap: b})
	c.metrics.CacheSize(c.order.Len())
}

// evictOldest removes the oldest entry that is not pinned.
func (c *ImageCache) evictOldest() bool {
	for el := c.order.Front(); el != nil; el = el.Next() {
		if el.Value.(*cacheEntry).key == c.pinned {
			continue
		}
		c.remove(el)
		return true
	}
	return false
}

func (c *ImageCache) remove(el *list.Element) {
	delete(c.entries, el.Value.(*cacheEntry).key)
	c.order.Remove(el)
}

// Evict removes path from the cache, even if it is pinned.
func (c *ImageCache) Evict(path string) bool {
	el, ok := c.entries[CanonicalPath(path)]
	if !ok {
		return false
	}
	c.remove(el)
	c.metrics.CacheEvicted("explicit", 1)
	c.metrics.CacheSize(c.order.Len())
	return true
}

// Clear removes every entry. The pin is kept so it applies to the next insert
// of that path.
func (c *ImageCache) Clear() {
	n := c.order.Len()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.metrics.CacheEvicted("explicit", n)
	c.metrics.CacheSize(0)
}

// Pin marks path as the protected entry. Pinning a new path releases the old
// one. An empty path clears the pin.
func (c *ImageCache) Pin(path string) {
	if path == "" {
		c.pinned = ""
		return
	}
	c.pinned = CanonicalPath(path)
}

// Pinned returns the canonical path of the pinned entry, or "".
func (c *ImageCache) Pinned() string { return c.pinned }

// Len returns the number of cached bitmaps.
func (c *ImageCache) Len() int { return c.order.Len() }

// Capacity returns the maximum number of cached bitmaps.
func (c *ImageCache) Capacity() int { return c.capacity }

// Full reports whether the cache is at capacity.
func (c *ImageCache) Full() bool { return c.order.Len() >= c.capacity }

// Bytes returns the total size of all cached pixel buffers.
func (c *ImageCache) Bytes() int64 {
	var n int64
	for el := c.order.Front(); el != nil; el = el.Next() {
		n += int64(el.Value.(*cacheEntry).bitmap.Bytes())
	}
	return n
}

// Paths returns the cached keys, oldest first.
func (c *ImageCache) Paths() []string {
	paths := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		paths = append(paths, el.Value.(*cacheEntry).key)
	}
	return paths
}

// EvictTier removes the oldest unpinned entries in proportion to the tier.
//
// The number removed is ceil(len * ratio) but never so many that fewer than
// MinRetained entries remain. The pinned entry is never removed.
//
// Returns the number of entries evicted.
func (c *ImageCache) EvictTier(p Pressure) int {
	ratio := c.policy.Ratio(p)
	n := c.order.Len()
	if ratio <= 0 || n == 0 {
		return 0
	}

	target := int(math.Ceil(float64(n)*ratio - 1e-9))
	if room := n - c.policy.MinRetained; target > room {
		target = room
	}
	if target <= 0 {
		return 0
	}

	evicted := 0
	for el := c.order.Front(); el != nil && evicted < target; {
		next := el.Next()
		if el.Value.(*cacheEntry).key != c.pinned {
			c.remove(el)
			evicted++
		}
		el = next
	}

	c.metrics.CacheEvicted(p.String(), evicted)
	c.metrics.CacheSize(c.order.Len())
	return evicted
}

// EmergencyCleanup evicts at the danger tier.
func (c *ImageCache) EmergencyCleanup() int {
	return c.EvictTier(PressureDanger)
}
