// Package telemetry aggregates per-cluster generation timings and
// lifecycle events, samples process-level resource usage and exposes
// everything as a performance report and as Prometheus metrics.
package telemetry

import (
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// maxEventsPerCluster bounds the per-cluster event history.
const maxEventsPerCluster = 100

// DefaultSampleInterval is how often the system sampler runs.
const DefaultSampleInterval = 10 * time.Second

// Event is one recorded cluster lifecycle event.
type Event struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
}

// ClusterReport summarizes one cluster's recorded activity.
type ClusterReport struct {
	ClusterID      string        `json:"cluster_id"`
	Generations    uint64        `json:"generations"`
	AvgGeneration  time.Duration `json:"avg_generation"`
	MinGeneration  time.Duration `json:"min_generation"`
	MaxGeneration  time.Duration `json:"max_generation"`
	LastGeneration time.Duration `json:"last_generation"`
	EventCount     int           `json:"event_count"`
}

// SystemReport is the most recent resource sample.
type SystemReport struct {
	SampledAt      time.Time `json:"sampled_at"`
	Goroutines     int       `json:"goroutines"`
	HeapAllocBytes uint64    `json:"heap_alloc_bytes"`
	NumCPU         int       `json:"num_cpu"`
	NumGC          uint32    `json:"num_gc"`
}

// PerformanceReport is the collector's full aggregate view.
type PerformanceReport struct {
	GeneratedAt      time.Time       `json:"generated_at"`
	Uptime           time.Duration   `json:"uptime"`
	ClusterCount     int             `json:"cluster_count"`
	TotalGenerations uint64          `json:"total_generations"`
	GlobalAvgGen     time.Duration   `json:"global_avg_generation"`
	System           SystemReport    `json:"system"`
	Clusters         []ClusterReport `json:"clusters"`
}

type clusterTelemetry struct {
	events    []Event
	eventHead int
	genCount  uint64
	totalDur  time.Duration
	minDur    time.Duration
	maxDur    time.Duration
	lastDur   time.Duration
}

// Collector implements the cluster Recorder interface and fans every
// observation out to the configured MetricsCollector. Safe for
// concurrent use.
type Collector struct {
	metrics MetricsCollector
	logger  *slog.Logger

	startedAt time.Time

	mu       sync.RWMutex
	clusters map[string]*clusterTelemetry
	system   SystemReport

	sampleEvery time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

// WithMetrics sets the metrics backend. Defaults to NoopMetrics.
func WithMetrics(m MetricsCollector) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithSampleInterval overrides the system sampler period.
func WithSampleInterval(d time.Duration) Option {
	return func(c *Collector) { c.sampleEvery = d }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// NewCollector creates a collector and starts the system sampler.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		metrics:     NoopMetrics{},
		logger:      slog.Default(),
		startedAt:   time.Now(),
		clusters:    make(map[string]*clusterTelemetry),
		sampleEvery: DefaultSampleInterval,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sampleSystem()
	c.wg.Add(1)
	go c.sampleLoop()
	return c
}

// RecordGenerationTime records one generation's wall time for a cluster.
func (c *Collector) RecordGenerationTime(clusterID string, d time.Duration) {
	c.mu.Lock()
	ct := c.telemetryFor(clusterID)
	ct.genCount++
	ct.totalDur += d
	ct.lastDur = d
	if ct.minDur == 0 || d < ct.minDur {
		ct.minDur = d
	}
	if d > ct.maxDur {
		ct.maxDur = d
	}
	c.mu.Unlock()

	c.metrics.ObserveGenerationDuration(clusterID, d.Seconds())
}

// RecordClusterEvent appends a lifecycle event, evicting the oldest one
// once the per-cluster history reaches its cap.
func (c *Collector) RecordClusterEvent(clusterID string, event string) {
	now := time.Now()
	c.mu.Lock()
	ct := c.telemetryFor(clusterID)
	if len(ct.events) < maxEventsPerCluster {
		ct.events = append(ct.events, Event{Time: now, Type: event})
	} else {
		ct.events[ct.eventHead] = Event{Time: now, Type: event}
		ct.eventHead = (ct.eventHead + 1) % maxEventsPerCluster
	}
	c.mu.Unlock()

	c.metrics.IncClusterEvent(clusterID, event)
}

// telemetryFor must be called with c.mu held.
func (c *Collector) telemetryFor(clusterID string) *clusterTelemetry {
	ct, ok := c.clusters[clusterID]
	if !ok {
		ct = &clusterTelemetry{}
		c.clusters[clusterID] = ct
	}
	return ct
}

// Events returns a cluster's recorded events, oldest first.
func (c *Collector) Events(clusterID string) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.clusters[clusterID]
	if !ok {
		return nil
	}
	out := make([]Event, 0, len(ct.events))
	out = append(out, ct.events[ct.eventHead:]...)
	out = append(out, ct.events[:ct.eventHead]...)
	return out
}

// Forget drops all telemetry recorded for a cluster.
func (c *Collector) Forget(clusterID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clusters, clusterID)
}

// SetClusterCount forwards the supervised cluster count to the metrics
// backend.
func (c *Collector) SetClusterCount(n int) {
	c.metrics.SetClusterCount(n)
}

// Report builds the full performance report.
func (c *Collector) Report() PerformanceReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	report := PerformanceReport{
		GeneratedAt:  now,
		Uptime:       now.Sub(c.startedAt),
		ClusterCount: len(c.clusters),
		System:       c.system,
		Clusters:     make([]ClusterReport, 0, len(c.clusters)),
	}
	var totalDur time.Duration
	for id, ct := range c.clusters {
		report.TotalGenerations += ct.genCount
		totalDur += ct.totalDur
		cr := ClusterReport{
			ClusterID:      id,
			Generations:    ct.genCount,
			MinGeneration:  ct.minDur,
			MaxGeneration:  ct.maxDur,
			LastGeneration: ct.lastDur,
			EventCount:     len(ct.events),
		}
		if ct.genCount > 0 {
			cr.AvgGeneration = ct.totalDur / time.Duration(ct.genCount)
		}
		report.Clusters = append(report.Clusters, cr)
	}
	if report.TotalGenerations > 0 {
		report.GlobalAvgGen = totalDur / time.Duration(report.TotalGenerations)
	}
	sort.Slice(report.Clusters, func(i, j int) bool {
		return report.Clusters[i].ClusterID < report.Clusters[j].ClusterID
	})
	return report
}

// System returns the most recent resource sample.
func (c *Collector) System() SystemReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

func (c *Collector) sampleLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sampleSystem()
		}
	}
}

func (c *Collector) sampleSystem() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sample := SystemReport{
		SampledAt:      time.Now(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		NumCPU:         runtime.NumCPU(),
		NumGC:          ms.NumGC,
	}

	c.mu.Lock()
	c.system = sample
	c.mu.Unlock()

	c.metrics.SetGoroutines(sample.Goroutines)
	c.metrics.SetHeapAllocBytes(sample.HeapAllocBytes)
}

// Close stops the system sampler. Recording remains safe after Close.
func (c *Collector) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}
