package imaging

import (
	"fmt"
	"image/color"
	"testing"
)

func testBitmap(path string) *Bitmap {
	return NewBitmap(CanonicalPath(path), solidImage(2, 2, color.White), SourceFile)
}

func fillCache(c *ImageCache, n int) []string {
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		paths[i] = fmt.Sprintf("/photos/img_%03d.jpg", i)
		c.Insert(paths[i], testBitmap(paths[i]))
	}
	return paths
}

type recordingMetrics struct {
	size    int
	evicted map[string]int
	skipped int
}

func (r *recordingMetrics) CacheSize(n int) { r.size = n }
func (r *recordingMetrics) CacheEvicted(reason string, n int) {
	if r.evicted == nil {
		r.evicted = map[string]int{}
	}
	r.evicted[reason] += n
}
func (r *recordingMetrics) CacheInsertSkipped() { r.skipped++ }

func TestNewImageCache(t *testing.T) {
	c := NewImageCache(0, DefaultEvictionPolicy(), nil)
	if c.Capacity() != 1 {
		t.Errorf("expected capacity clamped to 1, got %d", c.Capacity())
	}
	if c.Len() != 0 || c.Full() {
		t.Error("new cache should be empty")
	}
}

func TestImageCache_InsertAndGet(t *testing.T) {
	c := NewImageCache(4, DefaultEvictionPolicy(), nil)
	b := testBitmap("/a.jpg")

	if !c.Insert("/a.jpg", b) {
		t.Fatal("first insert should succeed")
	}
	got, ok := c.Get("/a.jpg")
	if !ok || got != b {
		t.Fatal("expected to get the inserted bitmap")
	}
	if !c.Contains("/x/../a.jpg") {
		t.Error("lookups should use the canonical path")
	}
	if c.Insert("/a.jpg", testBitmap("/a.jpg")) {
		t.Error("second insert of the same path should be a no-op")
	}
	if got, _ := c.Get("/a.jpg"); got != b {
		t.Error("existing entry should be kept")
	}
}

func TestImageCache_InsertEvictsOldestAtCapacity(t *testing.T) {
	m := &recordingMetrics{}
	c := NewImageCache(3, DefaultEvictionPolicy(), m)
	paths := fillCache(c, 3)

	c.Insert("/d.jpg", testBitmap("/d.jpg"))

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if c.Contains(paths[0]) {
		t.Error("oldest entry should have been evicted")
	}
	if m.evicted["capacity"] != 1 {
		t.Errorf("expected 1 capacity eviction, got %d", m.evicted["capacity"])
	}
}

func TestImageCache_GetDoesNotRefreshOrder(t *testing.T) {
	c := NewImageCache(3, DefaultEvictionPolicy(), nil)
	paths := fillCache(c, 3)

	// Reading the oldest entry must not protect it.
	c.Get(paths[0])
	c.Insert("/d.jpg", testBitmap("/d.jpg"))

	if c.Contains(paths[0]) {
		t.Error("eviction is by insertion order, not access")
	}
}

func TestImageCache_PinnedSurvivesCapacityEviction(t *testing.T) {
	c := NewImageCache(3, DefaultEvictionPolicy(), nil)
	paths := fillCache(c, 3)
	c.Pin(paths[0])

	c.Insert("/d.jpg", testBitmap("/d.jpg"))

	if !c.Contains(paths[0]) {
		t.Error("pinned entry must not be evicted")
	}
	if c.Contains(paths[1]) {
		t.Error("oldest unpinned entry should have been evicted")
	}
}

func TestImageCache_InsertSpeculativeSkipsWhenFull(t *testing.T) {
	m := &recordingMetrics{}
	c := NewImageCache(2, DefaultEvictionPolicy(), m)

	if !c.InsertSpeculative("/a.jpg", testBitmap("/a.jpg")) {
		t.Fatal("speculative insert into empty cache should succeed")
	}
	c.Insert("/b.jpg", testBitmap("/b.jpg"))

	if c.InsertSpeculative("/c.jpg", testBitmap("/c.jpg")) {
		t.Error("speculative insert into full cache should be skipped")
	}
	if c.Contains("/c.jpg") || !c.Contains("/a.jpg") {
		t.Error("full cache must be left untouched")
	}
	if m.skipped != 1 {
		t.Errorf("expected 1 skipped insert, got %d", m.skipped)
	}
}

func TestImageCache_EvictAndClear(t *testing.T) {
	c := NewImageCache(5, DefaultEvictionPolicy(), nil)
	paths := fillCache(c, 3)
	c.Pin(paths[1])

	if !c.Evict(paths[1]) {
		t.Error("explicit evict should remove even the pinned entry")
	}
	if c.Evict("/missing.jpg") {
		t.Error("evicting a missing path should report false")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Clear, got %d", c.Len())
	}
	if c.Pinned() != CanonicalPath(paths[1]) {
		t.Error("Clear should keep the pin")
	}
}

func TestImageCache_EvictTier(t *testing.T) {
	tests := []struct {
		name    string
		fill    int
		tier    Pressure
		evicted int
	}{
		{"none", 40, PressureNone, 0},
		{"caution", 40, PressureCaution, 6},
		{"warning", 40, PressureWarning, 12},
		{"danger", 40, PressureDanger, 20},
		{"danger respects minimum", 14, PressureDanger, 4},
		{"below minimum", 8, PressureDanger, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewImageCache(40, DefaultEvictionPolicy(), nil)
			fillCache(c, tt.fill)

			if got := c.EvictTier(tt.tier); got != tt.evicted {
				t.Errorf("EvictTier(%s) = %d, want %d", tt.tier, got, tt.evicted)
			}
			if c.Len() != tt.fill-tt.evicted {
				t.Errorf("expected %d entries left, got %d", tt.fill-tt.evicted, c.Len())
			}
		})
	}
}

func TestImageCache_EvictTierRemovesOldestFirst(t *testing.T) {
	c := NewImageCache(40, DefaultEvictionPolicy(), nil)
	paths := fillCache(c, 20)

	c.EvictTier(PressureWarning) // ceil(20 * 0.30) = 6

	for i, p := range paths {
		if want := i >= 6; c.Contains(p) != want {
			t.Errorf("entry %d: contains=%v, want %v", i, c.Contains(p), want)
		}
	}
}

// Scenario: a full cache under danger pressure halves, keeping the image on screen.
func TestImageCache_EmergencyCleanupKeepsPinned(t *testing.T) {
	const capacity = 40
	m := &recordingMetrics{}
	c := NewImageCache(capacity, DefaultEvictionPolicy(), m)
	paths := fillCache(c, capacity)
	current := paths[0]
	c.Pin(current)

	n := c.EmergencyCleanup()

	if n != capacity/2 {
		t.Errorf("expected %d evictions, got %d", capacity/2, n)
	}
	if c.Len() > max(10, capacity/2) {
		t.Errorf("expected at most %d entries, got %d", max(10, capacity/2), c.Len())
	}
	if !c.Contains(current) {
		t.Error("pinned entry must survive emergency cleanup")
	}
	if m.evicted["danger"] != n || m.size != c.Len() {
		t.Errorf("metrics out of sync: %+v", m)
	}
}

func TestImageCache_CapacityInvariant(t *testing.T) {
	c := NewImageCache(10, DefaultEvictionPolicy(), nil)
	for i := 0; i < 100; i++ {
		p := fmt.Sprintf("/p/%d.jpg", i)
		if i%3 == 0 {
			c.InsertSpeculative(p, testBitmap(p))
		} else {
			c.Insert(p, testBitmap(p))
		}
		if i%7 == 0 {
			c.Pin(p)
		}
		if c.Len() > c.Capacity() {
			t.Fatalf("cache grew past capacity: %d > %d", c.Len(), c.Capacity())
		}
	}
}

func TestImageCache_PathsAndBytes(t *testing.T) {
	c := NewImageCache(5, DefaultEvictionPolicy(), nil)
	paths := fillCache(c, 3)

	got := c.Paths()
	for i := range paths {
		if got[i] != CanonicalPath(paths[i]) {
			t.Errorf("Paths()[%d] = %q, want %q", i, got[i], paths[i])
		}
	}
	if c.Bytes() != 3*16 {
		t.Errorf("expected 48 bytes of 2x2 NRGBA pixels, got %d", c.Bytes())
	}
}
