package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thunderblok/thunderline-sub015/pkg/automaton"
	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
)

type statusEvent struct {
	clusterID string
	status    ClusterStatus
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []statusEvent
}

func (n *fakeNotifier) NotifyClusterStatus(clusterID string, status ClusterStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, statusEvent{clusterID, status})
}

func (n *fakeNotifier) all() []statusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]statusEvent(nil), n.events...)
}

func testClusterConfig(name string) cluster.Config {
	return cluster.Config{
		Name:           name,
		DimX:           2,
		DimY:           2,
		DimZ:           2,
		Rules:          automaton.Rules{Name: "standard", Birth: []int{5, 6, 7}, Survival: []int{4, 5, 6}},
		TickInterval:   time.Hour,
		InitialDensity: 1.0,
		Seed:           7,
	}
}

func TestStartStopCluster(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown()

	id, err := s.StartCluster(testClusterConfig("alpha"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, s.ClusterCount())

	c, err := s.Cluster(id)
	require.NoError(t, err)
	assert.Equal(t, 8, c.CellCount())

	require.NoError(t, s.StopCluster(id))
	assert.Equal(t, 0, s.ClusterCount())

	_, err = s.Cluster(id)
	assert.ErrorIs(t, err, ErrClusterNotFound)
	assert.ErrorIs(t, s.StopCluster(id), ErrClusterNotFound)
}

func TestStartCluster_InvalidConfig(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown()

	cfg := testClusterConfig("bad")
	cfg.DimX = -1
	_, err := s.StartCluster(cfg)
	require.Error(t, err)
	assert.Equal(t, 0, s.ClusterCount())
}

func TestAllClusterStatus(t *testing.T) {
	s := New(Config{})
	defer s.Shutdown()

	idA, err := s.StartCluster(testClusterConfig("a"))
	require.NoError(t, err)
	idB, err := s.StartCluster(testClusterConfig("b"))
	require.NoError(t, err)

	c, err := s.Cluster(idB)
	require.NoError(t, err)
	c.Pause()

	infos := s.AllClusterStatus()
	require.Len(t, infos, 2)

	byID := map[string]ClusterInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	assert.Equal(t, StatusRunning, byID[idA].Status)
	assert.Equal(t, StatusPaused, byID[idB].Status)
	assert.Equal(t, 8, byID[idA].Stats.CellCount)
}

func TestCrashRestartsFromScratch(t *testing.T) {
	notifier := &fakeNotifier{}
	s := New(Config{}, WithNotifier(notifier))
	defer s.Shutdown()

	id, err := s.StartCluster(testClusterConfig("crashy"))
	require.NoError(t, err)

	c, err := s.Cluster(id)
	require.NoError(t, err)
	c.EvolveGeneration()
	c.EvolveGeneration()
	require.Equal(t, uint64(2), c.Generation())

	s.handleCrash(id, errors.New("boom"))

	fresh, err := s.Cluster(id)
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
	assert.Equal(t, uint64(0), fresh.Generation(), "restarted cluster loses all state")
	assert.Equal(t, 8, fresh.CellCount())

	info, err := s.ClusterInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Restarts)

	events := notifier.all()
	require.NotEmpty(t, events)
	assert.Equal(t, statusEvent{id, StatusRunning}, events[len(events)-1])
}

func TestCrashLimitAbandonsCluster(t *testing.T) {
	notifier := &fakeNotifier{}
	s := New(Config{MaxCrashes: 3, CrashWindow: time.Minute}, WithNotifier(notifier))
	defer s.Shutdown()

	id, err := s.StartCluster(testClusterConfig("doomed"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s.handleCrash(id, errors.New("boom"))
	}

	_, err = s.Cluster(id)
	assert.ErrorIs(t, err, ErrRestartLimit)

	info, err := s.ClusterInfo(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status)

	events := notifier.all()
	require.NotEmpty(t, events)
	assert.Equal(t, statusEvent{id, StatusFailed}, events[len(events)-1])
}

func TestCrashWindowSlides(t *testing.T) {
	s := New(Config{MaxCrashes: 2, CrashWindow: 50 * time.Millisecond})
	defer s.Shutdown()

	id, err := s.StartCluster(testClusterConfig("slides"))
	require.NoError(t, err)

	s.handleCrash(id, errors.New("one"))
	s.handleCrash(id, errors.New("two"))
	time.Sleep(80 * time.Millisecond)
	// Earlier crashes have aged out, so this one does not trip the limit.
	s.handleCrash(id, errors.New("three"))

	_, err = s.Cluster(id)
	assert.NoError(t, err)
}

func TestCrashContainment_OtherClustersUnaffected(t *testing.T) {
	s := New(Config{MaxCrashes: 1})
	defer s.Shutdown()

	victim, err := s.StartCluster(testClusterConfig("victim"))
	require.NoError(t, err)
	bystander, err := s.StartCluster(testClusterConfig("bystander"))
	require.NoError(t, err)

	s.handleCrash(victim, errors.New("boom"))
	s.handleCrash(victim, errors.New("boom"))

	_, err = s.Cluster(victim)
	assert.ErrorIs(t, err, ErrRestartLimit)

	c, err := s.Cluster(bystander)
	require.NoError(t, err)
	c.EvolveGeneration()
	assert.Equal(t, uint64(1), c.Generation())
}

func TestShutdown(t *testing.T) {
	s := New(Config{})

	_, err := s.StartCluster(testClusterConfig("one"))
	require.NoError(t, err)
	_, err = s.StartCluster(testClusterConfig("two"))
	require.NoError(t, err)

	s.Shutdown()
	s.Shutdown() // idempotent

	_, err = s.StartCluster(testClusterConfig("late"))
	assert.Error(t, err)
}
