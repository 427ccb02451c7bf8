package preload

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/imagecore/internal/config"
	"github.com/ironsheep/imagecore/internal/coordinator"
	"github.com/ironsheep/imagecore/internal/imaging"
	"github.com/ironsheep/imagecore/internal/rawpool"
	"github.com/ironsheep/imagecore/internal/scheduler"
)

func TestMain(m *testing.M) {
	rawpool.MaybeRunWorker(nil)
	os.Exit(m.Run())
}

// newCoordinator starts a real coordinator whose memory sampler reports
// whatever used holds.
func newCoordinator(t *testing.T, used *atomic.Int64) *coordinator.Coordinator {
	t.Helper()
	cfg := config.GetDefaultConfig(config.ProfileFor(config.TierMedium, 16<<30, 4))
	cfg.Scheduler.Workers = 1
	cfg.RawPool.Workers = 1
	cfg.RawPool.ShutdownTimeout = 2 * time.Second

	c, err := coordinator.New(coordinator.Options{
		Config: cfg,
		Sampler: coordinator.SamplerFunc(func(context.Context) (float64, error) {
			return float64(used.Load()), nil
		}),
		WorkerCommand: os.Args[0],
		WorkerArgs:    []string{"-test.run=^$"},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(c.Shutdown)
	return c
}

// occupy holds the only scheduler worker until the returned func is called.
func occupy(t *testing.T, c *coordinator.Coordinator) func() {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	_, err := c.SubmitImagingTask(scheduler.High, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}
	var once sync.Once
	free := func() { once.Do(func() { close(release) }) }
	t.Cleanup(free)
	return free
}

func pumpUntil(t *testing.T, c *coordinator.Coordinator, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting on owner loop")
		}
		c.RunPending()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdle_DangerPressureStopsSweep(t *testing.T) {
	var used atomic.Int64
	used.Store(10)
	c := newCoordinator(t, &used)
	free := occupy(t, c)

	files := testFiles(20)
	p := New(c, files, Config{Load: fakeLoad}, nil)
	p.Navigate(0)
	p.StartIdle()
	require.True(t, p.IdleActive())
	require.Equal(t, 1, c.Stats().Scheduler.Queued[scheduler.Low])

	used.Store(99)
	for range 3 {
		assert.Equal(t, imaging.PressureDanger, c.CheckMemory(t.Context()))
		c.RunPending()
		assert.Zero(t, c.Stats().Scheduler.Queued[scheduler.Low], "cancelled idle work is not requeued")
	}
	assert.False(t, p.IdleActive())
	assert.Zero(t, p.InFlight())

	used.Store(10)
	free()
	p.StartIdle()
	pumpUntil(t, c, func() bool { return c.Cache().Contains(files[1]) })
}

func TestPlanner_TracksCoordinatorCancelAll(t *testing.T) {
	var used atomic.Int64
	used.Store(10)
	c := newCoordinator(t, &used)
	free := occupy(t, c)

	files := testFiles(6)
	p := New(c, files, Config{Forward: 2, HighCount: 1, Load: fakeLoad}, nil)
	require.Len(t, p.Navigate(0), 2)

	c.CancelAll()
	free()

	items := p.Navigate(0)
	require.Len(t, items, 2)
	assert.Equal(t, files[1], items[0].Path)
	pumpUntil(t, c, func() bool { return c.Cache().Contains(files[1]) && c.Cache().Contains(files[2]) })
	assert.Zero(t, p.InFlight())
}
