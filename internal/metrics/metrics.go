// Package metrics exposes imagecore runtime counters through Prometheus.
//
// Each consuming package declares the small observer interface it needs
// (scheduler.Metrics, imaging.CacheMetrics, rawpool.Metrics,
// coordinator.MonitorMetrics). *Collectors satisfies all of them, so this
// package imports none of its consumers. A nil *Collectors is valid and records
// nothing, which is how metrics are disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every imagecore collector registered on one registry.
type Collectors struct {
	reg *prometheus.Registry

	tasksQueued    *prometheus.CounterVec
	tasksCancelled *prometheus.CounterVec
	taskWait       *prometheus.HistogramVec
	taskDuration   *prometheus.HistogramVec

	cacheEntries prometheus.Gauge
	cacheEvicted *prometheus.CounterVec
	cacheSkipped prometheus.Counter

	decodesQueued  prometheus.Counter
	decodeDuration *prometheus.HistogramVec
	decodeDropped  prometheus.Counter
	workersAlive   prometheus.Gauge

	memoryUsed prometheus.Gauge
	memoryTier *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	latency := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Collectors{
		reg: reg,
		tasksQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecore_scheduler_tasks_queued_total",
			Help: "Tasks submitted to the priority scheduler by lane",
		}, []string{"priority"}),
		tasksCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecore_scheduler_tasks_cancelled_total",
			Help: "Queued tasks removed before they started, by lane",
		}, []string{"priority"}),
		taskWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecore_scheduler_task_wait_seconds",
			Help:    "Time a task spent queued before a worker picked it up",
			Buckets: latency,
		}, []string{"priority"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecore_scheduler_task_duration_seconds",
			Help:    "Task execution time by lane and outcome",
			Buckets: latency,
		}, []string{"priority", "outcome"}), // outcome: ok, error, panic
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "imagecore_cache_entries",
			Help: "Decoded bitmaps currently cached",
		}),
		cacheEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecore_cache_evictions_total",
			Help: "Cache entries removed, by reason",
		}, []string{"reason"}), // reason: caution, warning, danger, capacity, explicit
		cacheSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "imagecore_cache_speculative_skipped_total",
			Help: "Speculative inserts skipped because the cache was full",
		}),
		decodesQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "imagecore_rawpool_requests_total",
			Help: "RAW decode requests accepted by the process pool",
		}),
		decodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecore_rawpool_decode_seconds",
			Help:    "Round trip of one RAW decode through a worker process",
			Buckets: latency,
		}, []string{"status"}), // status: ok, failed, crashed
		decodeDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "imagecore_rawpool_results_dropped_total",
			Help: "Decode results discarded because their request was cancelled",
		}),
		workersAlive: f.NewGauge(prometheus.GaugeOpts{
			Name: "imagecore_rawpool_workers_alive",
			Help: "Decode worker processes currently running",
		}),
		memoryUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "imagecore_memory_used_percent",
			Help: "Last sampled system memory use",
		}),
		memoryTier: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imagecore_memory_pressure_tier",
			Help: "1 for the active memory-pressure tier, 0 otherwise",
		}, []string{"tier"}),
	}
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

// Handler returns a chi router serving /metrics.
func (c *Collectors) Handler() http.Handler {
	r := chi.NewRouter()
	if c != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// === scheduler.Metrics ===

func (c *Collectors) TaskQueued(priority string) {
	if c == nil {
		return
	}
	c.tasksQueued.WithLabelValues(priority).Inc()
}

func (c *Collectors) TaskStarted(priority string, wait time.Duration) {
	if c == nil {
		return
	}
	c.taskWait.WithLabelValues(priority).Observe(wait.Seconds())
}

func (c *Collectors) TaskFinished(priority, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.taskDuration.WithLabelValues(priority, outcome).Observe(d.Seconds())
}

func (c *Collectors) TasksCancelled(priority string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.tasksCancelled.WithLabelValues(priority).Add(float64(n))
}

// === imaging.CacheMetrics ===

func (c *Collectors) CacheSize(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

func (c *Collectors) CacheEvicted(reason string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.cacheEvicted.WithLabelValues(reason).Add(float64(n))
}

func (c *Collectors) CacheInsertSkipped() {
	if c == nil {
		return
	}
	c.cacheSkipped.Inc()
}

// === rawpool.Metrics ===

func (c *Collectors) DecodeQueued() {
	if c == nil {
		return
	}
	c.decodesQueued.Inc()
}

func (c *Collectors) DecodeFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.decodeDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (c *Collectors) ResultsDropped(n int) {
	if c == nil || n == 0 {
		return
	}
	c.decodeDropped.Add(float64(n))
}

func (c *Collectors) WorkersAlive(n int) {
	if c == nil {
		return
	}
	c.workersAlive.Set(float64(n))
}

// === coordinator.MonitorMetrics ===

var tiers = []string{"none", "caution", "warning", "danger"}

func (c *Collectors) MemorySample(usedPercent float64, tier string) {
	if c == nil {
		return
	}
	c.memoryUsed.Set(usedPercent)
	for _, t := range tiers {
		v := 0.0
		if t == tier {
			v = 1
		}
		c.memoryTier.WithLabelValues(t).Set(v)
	}
}
