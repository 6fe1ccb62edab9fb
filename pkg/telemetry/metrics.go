package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector abstracts the metrics backend so the collector can
// run without Prometheus in tests and embedded setups.
type MetricsCollector interface {
	ObserveGenerationDuration(clusterID string, seconds float64)
	IncClusterEvent(clusterID, event string)
	SetGoroutines(n int)
	SetHeapAllocBytes(n uint64)
	SetClusterCount(n int)
}

// NoopMetrics discards all observations.
type NoopMetrics struct{}

func (NoopMetrics) ObserveGenerationDuration(string, float64) {}
func (NoopMetrics) IncClusterEvent(string, string)            {}
func (NoopMetrics) SetGoroutines(int)                         {}
func (NoopMetrics) SetHeapAllocBytes(uint64)                  {}
func (NoopMetrics) SetClusterCount(int)                       {}

// PrometheusMetrics exports collector observations through a private
// registry, keeping the process-default registry untouched.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	generationDuration *prometheus.HistogramVec
	clusterEvents      *prometheus.CounterVec
	goroutines         prometheus.Gauge
	heapAlloc          prometheus.Gauge
	clusterCount       prometheus.Gauge
}

// NewPrometheusMetrics builds and registers all collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "thunderline",
			Subsystem: "ca",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of one full generation advance per cluster",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"cluster_id"}),
		clusterEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "thunderline",
			Subsystem: "ca",
			Name:      "cluster_events_total",
			Help:      "Cluster lifecycle events by type",
		}, []string{"cluster_id", "event"}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thunderline",
			Subsystem: "ca",
			Name:      "goroutines",
			Help:      "Sampled goroutine count",
		}),
		heapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thunderline",
			Subsystem: "ca",
			Name:      "heap_alloc_bytes",
			Help:      "Sampled heap allocation",
		}),
		clusterCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "thunderline",
			Subsystem: "ca",
			Name:      "clusters",
			Help:      "Number of supervised clusters",
		}),
	}
	m.registry.MustRegister(
		m.generationDuration,
		m.clusterEvents,
		m.goroutines,
		m.heapAlloc,
		m.clusterCount,
	)
	return m
}

// Registry exposes the private registry for the metrics HTTP handler.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *PrometheusMetrics) ObserveGenerationDuration(clusterID string, seconds float64) {
	m.generationDuration.WithLabelValues(clusterID).Observe(seconds)
}

func (m *PrometheusMetrics) IncClusterEvent(clusterID, event string) {
	m.clusterEvents.WithLabelValues(clusterID, event).Inc()
}

func (m *PrometheusMetrics) SetGoroutines(n int) { m.goroutines.Set(float64(n)) }

func (m *PrometheusMetrics) SetHeapAllocBytes(n uint64) { m.heapAlloc.Set(float64(n)) }

func (m *PrometheusMetrics) SetClusterCount(n int) { m.clusterCount.Set(float64(n)) }
