package preload

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

type submission struct {
	priority scheduler.Priority
	fn       scheduler.TaskFunc
	done     func(coordinator.TaskResult)
}

// fakeSubmitter records submissions and runs nothing until told to.
type fakeSubmitter struct {
	cache     *imaging.ImageCache
	submitted []submission
	posted    chan func()
	reject    bool
	gen       uint64
}

func newFakeSubmitter(capacity int) *fakeSubmitter {
	return &fakeSubmitter{
		cache:  imaging.NewImageCache(capacity, imaging.DefaultEvictionPolicy(), nil),
		posted: make(chan func(), 16),
	}
}

func (f *fakeSubmitter) SubmitImagingTask(p scheduler.Priority, fn scheduler.TaskFunc, done func(coordinator.TaskResult)) (*scheduler.Handle, error) {
	if f.reject {
		return nil, &coordinator.Failure{Kind: coordinator.SubmissionRejected, Err: coordinator.ErrShuttingDown}
	}
	f.submitted = append(f.submitted, submission{priority: p, fn: fn, done: done})
	return nil, nil
}

func (f *fakeSubmitter) Cache() *imaging.ImageCache { return f.cache }

func (f *fakeSubmitter) Post(fn func()) { f.posted <- fn }

func (f *fakeSubmitter) Generation() uint64 { return f.gen }

// cancelOutstanding fails every outstanding submission as the memory monitor
// does when it cancels queued work.
func (f *fakeSubmitter) cancelOutstanding() int {
	batch := f.submitted
	f.submitted = nil
	for _, s := range batch {
		s.done(coordinator.TaskResult{Err: &coordinator.Failure{Kind: coordinator.CancelledTask, Err: scheduler.ErrCancelled}})
	}
	return len(batch)
}

// completeAll runs the submissions outstanding at the time of the call, in
// order. Anything submitted from their callbacks waits for the next call.
func (f *fakeSubmitter) completeAll(t *testing.T) int {
	t.Helper()
	batch := f.submitted
	f.submitted = nil
	for _, s := range batch {
		v, err := s.fn(context.Background())
		s.done(coordinator.TaskResult{Value: v, Err: err})
	}
	return len(batch)
}

func testFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("/photos/img_%03d.jpg", i)
	}
	return files
}

func fakeLoad(path string) (*imaging.Bitmap, error) {
	return imaging.NewBitmap(path, image.NewNRGBA(image.Rect(0, 0, 2, 2)), imaging.SourceFile), nil
}

func testConfig() Config {
	return Config{Forward: 8, Backward: 3, HighCount: 2, Load: fakeLoad}
}

func indices(items []Item) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.Index
	}
	return out
}

func priorities(items []Item) []scheduler.Priority {
	out := make([]scheduler.Priority, len(items))
	for i, it := range items {
		out[i] = it.Priority
	}
	return out
}

func TestDirectionOf(t *testing.T) {
	tests := []struct {
		name         string
		prev, cur, n int
		want         Direction
	}{
		{"first view", -1, 0, 10, Forward},
		{"step forward", 3, 4, 10, Forward},
		{"step back", 4, 3, 10, Backward},
		{"wrap forward", 9, 0, 10, Forward},
		{"wrap backward", 0, 9, 10, Backward},
		{"same index", 5, 5, 10, Forward},
		{"jump forward", 2, 5, 10, Forward},
		{"single file", 0, 0, 1, Forward},
		{"two files tie", 1, 0, 2, Forward},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DirectionOf(tt.prev, tt.cur, tt.n))
		})
	}
}

func TestPlan_ForwardPriorities(t *testing.T) {
	sub := newFakeSubmitter(100)
	p := New(sub, testFiles(20), testConfig(), nil)

	items := p.Plan(5, Forward)

	assert.Equal(t, []int{6, 7, 8, 9, 10, 11, 12, 13, 4, 3, 2}, indices(items))
	assert.Equal(t, []scheduler.Priority{
		scheduler.High, scheduler.High,
		scheduler.Medium, scheduler.Medium,
		scheduler.Low, scheduler.Low, scheduler.Low, scheduler.Low,
		scheduler.Medium, scheduler.Low, scheduler.Low,
	}, priorities(items))
}

func TestPlan_BackwardMirrors(t *testing.T) {
	sub := newFakeSubmitter(100)
	p := New(sub, testFiles(20), testConfig(), nil)

	items := p.Plan(10, Backward)
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 11, 12, 13}, indices(items))
	assert.Equal(t, scheduler.High, items[0].Priority)
	assert.Equal(t, scheduler.Medium, items[8].Priority)
}

func TestPlan_WrapsAtBoundaries(t *testing.T) {
	sub := newFakeSubmitter(100)
	p := New(sub, testFiles(10), Config{Forward: 3, Backward: 2, HighCount: 1, Load: fakeLoad}, nil)

	assert.Equal(t, []int{9, 0, 1, 7, 6}, indices(p.Plan(8, Forward)))
	assert.Equal(t, []int{9, 8, 7, 1, 2}, indices(p.Plan(0, Backward)))
}

func TestPlan_SmallListHasNoDuplicates(t *testing.T) {
	sub := newFakeSubmitter(100)
	p := New(sub, testFiles(4), testConfig(), nil)

	items := p.Plan(0, Forward)
	assert.Equal(t, []int{1, 2, 3}, indices(items))
	assert.Equal(t, []scheduler.Priority{scheduler.High, scheduler.High, scheduler.Medium}, priorities(items))
}

func TestPlan_SkipsCachedAndInFlight(t *testing.T) {
	sub := newFakeSubmitter(100)
	files := testFiles(20)
	p := New(sub, files, testConfig(), nil)

	b, _ := fakeLoad(files[6])
	sub.cache.Insert(files[6], b)
	p.inflight[files[7]] = struct{}{}

	items := p.Plan(5, Forward)
	assert.NotContains(t, indices(items), 6)
	assert.NotContains(t, indices(items), 7)
	assert.Equal(t, 8, items[0].Index)
	assert.Equal(t, scheduler.Medium, items[0].Priority, "priority follows distance, not position in the filtered list")
}

func TestPlan_EmptyOrSingle(t *testing.T) {
	sub := newFakeSubmitter(10)
	assert.Empty(t, New(sub, nil, testConfig(), nil).Plan(0, Forward))
	assert.Empty(t, New(sub, testFiles(1), testConfig(), nil).Plan(0, Forward))
}

func TestNavigate_SubmitsAndCaches(t *testing.T) {
	sub := newFakeSubmitter(100)
	files := testFiles(20)
	p := New(sub, files, testConfig(), nil)

	submitted := p.Navigate(0)
	require.Len(t, submitted, 11)
	assert.Equal(t, 11, p.InFlight())
	assert.True(t, p.IsInFlight(files[1]))
	assert.Equal(t, scheduler.High, sub.submitted[0].priority)

	// A second navigation before anything finishes plans nothing new nearby.
	again := p.Navigate(1)
	assert.NotContains(t, indices(again), 2)

	sub.completeAll(t)
	assert.Zero(t, p.InFlight())
	assert.True(t, sub.cache.Contains(files[1]))
	assert.True(t, sub.cache.Contains(files[19]))
}

func TestNavigate_OutOfRange(t *testing.T) {
	sub := newFakeSubmitter(10)
	p := New(sub, testFiles(5), testConfig(), nil)
	assert.Nil(t, p.Navigate(5))
	assert.Nil(t, p.Navigate(-1))
	assert.Equal(t, -1, p.Current())
}

func TestPreload_DoesNotEvictWhenFull(t *testing.T) {
	sub := newFakeSubmitter(3)
	files := testFiles(20)
	for _, f := range files[15:18] {
		b, _ := fakeLoad(f)
		sub.cache.Insert(f, b)
	}
	p := New(sub, files, testConfig(), nil)
	p.Navigate(0)
	sub.completeAll(t)

	assert.Equal(t, 3, sub.cache.Len())
	assert.True(t, sub.cache.Contains(files[15]))
	assert.False(t, sub.cache.Contains(files[1]))
}

func TestPreload_FailureIsLoggedOnly(t *testing.T) {
	sub := newFakeSubmitter(10)
	cfg := testConfig()
	cfg.Load = func(string) (*imaging.Bitmap, error) { return nil, errors.New("unreadable") }
	p := New(sub, testFiles(5), cfg, nil)

	p.Navigate(0)
	sub.completeAll(t)
	assert.Zero(t, sub.cache.Len())
	assert.Zero(t, p.InFlight())
}

func TestPreload_RejectedSubmission(t *testing.T) {
	sub := newFakeSubmitter(10)
	sub.reject = true
	p := New(sub, testFiles(5), testConfig(), nil)

	assert.Empty(t, p.Navigate(0))
	assert.Zero(t, p.InFlight())
}

func TestReset_ForgetsInFlight(t *testing.T) {
	sub := newFakeSubmitter(10)
	p := New(sub, testFiles(5), testConfig(), nil)
	p.Navigate(0)
	require.NotZero(t, p.InFlight())

	p.Reset()
	assert.Zero(t, p.InFlight())
}

func TestPlanner_ForgetsPreloadsAfterCoordinatorCancel(t *testing.T) {
	sub := newFakeSubmitter(10)
	files := testFiles(5)
	p := New(sub, files, Config{Forward: 2, HighCount: 1, Load: fakeLoad}, nil)

	require.Len(t, p.Navigate(0), 2)
	require.True(t, p.IsInFlight(files[1]))

	// The coordinator dropped the callbacks; nothing will clear inflight.
	sub.submitted = nil
	sub.gen++

	items := p.Navigate(0)
	assert.Len(t, items, 2, "paths from the old generation are planned again")
	sub.completeAll(t)
	assert.Zero(t, p.InFlight())
	assert.True(t, sub.cache.Contains(files[1]))
	assert.True(t, sub.cache.Contains(files[2]))
}

func TestIdle_CancelledStepStopsSweep(t *testing.T) {
	sub := newFakeSubmitter(100)
	files := testFiles(10)
	p := New(sub, files, Config{Load: fakeLoad}, nil)
	p.Navigate(0)
	require.Empty(t, sub.submitted)

	p.StartIdle()
	require.Len(t, sub.submitted, 1)
	require.Equal(t, 1, sub.cancelOutstanding())

	assert.False(t, p.IdleActive())
	assert.Empty(t, sub.submitted, "no further idle step after a cancellation")
	assert.Zero(t, p.InFlight())

	// A later sweep retries the cancelled path first.
	p.StartIdle()
	require.Len(t, sub.submitted, 1)
	sub.completeAll(t)
	assert.True(t, sub.cache.Contains(files[1]))
}

func TestIdle_SweepsBidirectionally(t *testing.T) {
	sub := newFakeSubmitter(100)
	files := testFiles(7)
	p := New(sub, files, Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad}, nil)

	p.Navigate(3)
	sub.completeAll(t) // 4 and 2 cached by the regular windows

	p.StartIdle()
	require.True(t, p.IdleActive())

	steps := 0
	for len(sub.submitted) > 0 {
		require.Len(t, sub.submitted, 1, "idle sweep submits one at a time")
		assert.Equal(t, scheduler.Low, sub.submitted[0].priority)
		steps += sub.completeAll(t)
	}

	assert.Equal(t, 4, steps)
	assert.False(t, p.IdleActive())
	for _, f := range files {
		if f != files[3] {
			assert.True(t, sub.cache.Contains(f), f)
		}
	}
}

func TestSweepOrder(t *testing.T) {
	assert.Equal(t, []int{4, 2, 5, 1, 6, 0}, sweepOrder(3, 7))
	assert.Equal(t, []int{1, 5, 2, 4, 3}, sweepOrder(0, 6))
}

func TestIdle_StopsWhenCacheFull(t *testing.T) {
	sub := newFakeSubmitter(3)
	p := New(sub, testFiles(10), Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad}, nil)
	p.Navigate(0)
	sub.completeAll(t)
	require.Equal(t, 2, sub.cache.Len())

	p.StartIdle()
	require.Len(t, sub.submitted, 1)
	sub.completeAll(t)

	assert.Equal(t, 3, sub.cache.Len())
	assert.False(t, p.IdleActive())
	assert.Empty(t, sub.submitted)
}

func TestIdle_NavigationStopsSweep(t *testing.T) {
	sub := newFakeSubmitter(100)
	p := New(sub, testFiles(10), Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad}, nil)
	p.Navigate(0)
	sub.completeAll(t)

	p.StartIdle()
	require.True(t, p.IdleActive())
	pending := sub.submitted
	sub.submitted = nil

	p.Navigate(5)
	assert.False(t, p.IdleActive())
	sub.submitted = append(pending, sub.submitted...)
	before := len(sub.submitted)
	sub.completeAll(t)
	assert.Equal(t, before, len(sub.cache.Paths())-2, "no further idle steps after navigation")
}

func TestIdle_TimerPostsToOwner(t *testing.T) {
	sub := newFakeSubmitter(100)
	cfg := Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad, IdleEnabled: true, IdleDelay: 10 * time.Millisecond}
	p := New(sub, testFiles(6), cfg, nil)

	p.Navigate(0)
	sub.completeAll(t)

	select {
	case fn := <-sub.posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}
	assert.True(t, p.IdleActive())
	assert.Len(t, sub.submitted, 1)
}

func TestIdle_StaleTimerIgnored(t *testing.T) {
	sub := newFakeSubmitter(100)
	cfg := Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad, IdleEnabled: true, IdleDelay: 10 * time.Millisecond}
	p := New(sub, testFiles(6), cfg, nil)

	p.Navigate(0)
	var first func()
	select {
	case first = <-sub.posted:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timer never fired")
	}

	p.Navigate(1)
	first()
	assert.False(t, p.IdleActive(), "a timer from before the last navigation must not start a sweep")
}

func TestIdle_Disabled(t *testing.T) {
	sub := newFakeSubmitter(100)
	cfg := Config{Forward: 1, Backward: 1, HighCount: 1, Load: fakeLoad, IdleEnabled: false, IdleDelay: 5 * time.Millisecond}
	p := New(sub, testFiles(6), cfg, nil)
	p.Navigate(0)

	select {
	case <-sub.posted:
		t.Fatal("idle preloading is disabled")
	case <-time.After(50 * time.Millisecond):
	}
}
