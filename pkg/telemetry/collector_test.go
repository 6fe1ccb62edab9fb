package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_GenerationAggregates(t *testing.T) {
	c := NewCollector(WithSampleInterval(time.Hour))
	defer c.Close()

	c.RecordGenerationTime("c1", 10*time.Millisecond)
	c.RecordGenerationTime("c1", 30*time.Millisecond)
	c.RecordGenerationTime("c2", 5*time.Millisecond)

	report := c.Report()
	require.Len(t, report.Clusters, 2)

	c1 := report.Clusters[0]
	assert.Equal(t, "c1", c1.ClusterID)
	assert.Equal(t, uint64(2), c1.Generations)
	assert.Equal(t, 20*time.Millisecond, c1.AvgGeneration)
	assert.Equal(t, 10*time.Millisecond, c1.MinGeneration)
	assert.Equal(t, 30*time.Millisecond, c1.MaxGeneration)
	assert.Equal(t, 30*time.Millisecond, c1.LastGeneration)

	assert.Equal(t, 2, report.ClusterCount)
	assert.Equal(t, uint64(3), report.TotalGenerations)
	assert.Equal(t, 15*time.Millisecond, report.GlobalAvgGen)
	assert.Positive(t, report.Uptime)
}

func TestCollector_EventHistoryCap(t *testing.T) {
	c := NewCollector(WithSampleInterval(time.Hour))
	defer c.Close()

	for i := 0; i < maxEventsPerCluster+25; i++ {
		c.RecordClusterEvent("c1", fmt.Sprintf("event-%d", i))
	}

	events := c.Events("c1")
	require.Len(t, events, maxEventsPerCluster)
	assert.Equal(t, "event-25", events[0].Type, "oldest events are evicted first")
	assert.Equal(t, fmt.Sprintf("event-%d", maxEventsPerCluster+24), events[len(events)-1].Type)
}

func TestCollector_EventsUnknownCluster(t *testing.T) {
	c := NewCollector(WithSampleInterval(time.Hour))
	defer c.Close()

	assert.Nil(t, c.Events("missing"))
}

func TestCollector_Forget(t *testing.T) {
	c := NewCollector(WithSampleInterval(time.Hour))
	defer c.Close()

	c.RecordClusterEvent("c1", "started")
	c.Forget("c1")
	assert.Nil(t, c.Events("c1"))
	assert.Empty(t, c.Report().Clusters)
}

func TestCollector_SystemSample(t *testing.T) {
	c := NewCollector(WithSampleInterval(time.Hour))
	defer c.Close()

	sys := c.System()
	assert.Positive(t, sys.Goroutines)
	assert.Positive(t, sys.HeapAllocBytes)
	assert.Positive(t, sys.NumCPU)
	assert.False(t, sys.SampledAt.IsZero())
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewPrometheusMetrics()
	c := NewCollector(WithMetrics(m), WithSampleInterval(time.Hour))
	defer c.Close()

	c.RecordGenerationTime("c1", 2*time.Millisecond)
	c.RecordClusterEvent("c1", "paused")
	c.RecordClusterEvent("c1", "paused")
	c.SetClusterCount(3)

	events := testutil.ToFloat64(m.clusterEvents.WithLabelValues("c1", "paused"))
	assert.Equal(t, 2.0, events)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.clusterCount))

	count, err := testutil.GatherAndCount(m.Registry(), "thunderline_ca_generation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
