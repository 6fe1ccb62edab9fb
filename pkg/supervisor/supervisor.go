// Package supervisor manages the lifecycle of automaton clusters: it
// starts them, tracks their health, restarts crashed clusters from
// scratch and gives up when a cluster crashes too often.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
)

var (
	// ErrClusterNotFound is returned for operations on unknown cluster IDs.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrRestartLimit is reported when a cluster exceeded its crash budget
	// and was abandoned instead of restarted.
	ErrRestartLimit = errors.New("cluster restart limit exceeded")
)

// ClusterStatus describes a supervised cluster's lifecycle state.
type ClusterStatus string

const (
	StatusRunning ClusterStatus = "running"
	StatusPaused  ClusterStatus = "paused"
	StatusFailed  ClusterStatus = "failed"
	StatusStopped ClusterStatus = "stopped"
)

// StatusNotifier receives cluster lifecycle transitions. The bridge
// implements it to forward status changes upstream; a nil notifier
// disables notification.
type StatusNotifier interface {
	NotifyClusterStatus(clusterID string, status ClusterStatus)
}

// Config bounds the supervisor's restart policy.
type Config struct {
	// MaxCrashes is the number of crashes tolerated inside CrashWindow
	// before a cluster is abandoned. Defaults to 5.
	MaxCrashes int `json:"max_crashes" yaml:"max_crashes"`
	// CrashWindow is the sliding window over which crashes are counted.
	// Defaults to 60s.
	CrashWindow time.Duration `json:"crash_window" yaml:"crash_window"`
}

func (c Config) withDefaults() Config {
	if c.MaxCrashes <= 0 {
		c.MaxCrashes = 5
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = 60 * time.Second
	}
	return c
}

// ClusterInfo is the supervisor's view of one cluster.
type ClusterInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ClusterStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Restarts  int           `json:"restarts"`
	Stats     cluster.Stats `json:"stats"`
}

type entry struct {
	cluster   *cluster.Cluster
	cfg       cluster.Config
	status    ClusterStatus
	createdAt time.Time
	crashes   []time.Time
	lastErr   error
}

// Supervisor owns a set of clusters, each an isolated fault domain. All
// methods are safe for concurrent use.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	recorder cluster.Recorder
	notifier StatusNotifier

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRecorder propagates a telemetry recorder to every cluster.
func WithRecorder(r cluster.Recorder) Option {
	return func(s *Supervisor) { s.recorder = r }
}

// WithNotifier attaches a status notifier.
func WithNotifier(n StatusNotifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates an empty supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier installs or replaces the status notifier. Exists so the
// bridge, which needs the supervisor to answer status queries, can be
// wired after the supervisor is constructed.
func (s *Supervisor) SetNotifier(n StatusNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// StartCluster creates and supervises a new cluster, returning its ID.
func (s *Supervisor) StartCluster(cfg cluster.Config) (string, error) {
	id := uuid.NewString()
	c, err := s.spawn(id, cfg)
	if err != nil {
		return "", err
	}

	e := &entry{
		cluster:   c,
		cfg:       cfg,
		status:    StatusRunning,
		createdAt: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Stop()
		return "", errors.New("supervisor is shut down")
	}
	s.entries[id] = e
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(id, c)

	s.logger.Info("cluster supervised", "cluster_id", id, "name", cfg.Name)
	s.notify(id, StatusRunning)
	return id, nil
}

func (s *Supervisor) spawn(id string, cfg cluster.Config) (*cluster.Cluster, error) {
	opts := []cluster.Option{cluster.WithLogger(s.logger)}
	if s.recorder != nil {
		opts = append(opts, cluster.WithRecorder(s.recorder))
	}
	return cluster.New(id, cfg, opts...)
}

// monitor waits for a cluster-level fault and applies the restart
// policy. A restarted cluster keeps its ID but loses all state.
func (s *Supervisor) monitor(id string, c *cluster.Cluster) {
	defer s.wg.Done()
	err, ok := <-c.Failed()
	if !ok {
		return
	}
	s.handleCrash(id, err)
}

func (s *Supervisor) handleCrash(id string, cause error) {
	s.mu.Lock()
	e, exists := s.entries[id]
	if !exists || s.closed || e.status == StatusStopped || e.status == StatusFailed {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	e.crashes = append(e.crashes, now)
	e.crashes = pruneWindow(e.crashes, now.Add(-s.cfg.CrashWindow))
	e.lastErr = cause

	if len(e.crashes) > s.cfg.MaxCrashes {
		e.status = StatusFailed
		old := e.cluster
		s.mu.Unlock()

		old.Stop()
		s.logger.Error("cluster abandoned, restart limit exceeded",
			"cluster_id", id,
			"crashes", s.cfg.MaxCrashes,
			"window", s.cfg.CrashWindow,
			"error", cause)
		s.notify(id, StatusFailed)
		return
	}

	old := e.cluster
	fresh, err := s.spawn(id, e.cfg)
	if err != nil {
		e.status = StatusFailed
		s.mu.Unlock()
		old.Stop()
		s.logger.Error("cluster restart failed", "cluster_id", id, "error", err)
		s.notify(id, StatusFailed)
		return
	}
	e.cluster = fresh
	crashCount := len(e.crashes)
	s.mu.Unlock()

	old.Stop()
	s.wg.Add(1)
	go s.monitor(id, fresh)

	s.logger.Warn("cluster restarted from scratch",
		"cluster_id", id,
		"recent_crashes", crashCount,
		"error", cause)
	s.notify(id, StatusRunning)
}

func pruneWindow(crashes []time.Time, cutoff time.Time) []time.Time {
	kept := crashes[:0]
	for _, t := range crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// StopCluster stops and forgets a cluster.
func (s *Supervisor) StopCluster(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	e.status = StatusStopped
	delete(s.entries, id)
	c := e.cluster
	s.mu.Unlock()

	c.Stop()
	s.logger.Info("cluster removed", "cluster_id", id)
	s.notify(id, StatusStopped)
	return nil
}

// Cluster returns the live cluster for an ID. Abandoned clusters are
// reported with ErrRestartLimit.
func (s *Supervisor) Cluster(id string) (*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	if e.status == StatusFailed {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrRestartLimit)
	}
	return e.cluster, nil
}

// ClusterInfo returns the supervisor's view of one cluster.
func (s *Supervisor) ClusterInfo(id string) (ClusterInfo, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return ClusterInfo{}, fmt.Errorf("cluster %s: %w", id, ErrClusterNotFound)
	}
	return s.infoFor(id, e), nil
}

// AllClusterStatus lists every supervised cluster, sorted by creation
// time then ID for stable output.
func (s *Supervisor) AllClusterStatus() []ClusterInfo {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	entries := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		ids = append(ids, id)
		entries[id] = e
	}
	s.mu.RUnlock()

	infos := make([]ClusterInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, s.infoFor(id, entries[id]))
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (s *Supervisor) infoFor(id string, e *entry) ClusterInfo {
	s.mu.RLock()
	status := e.status
	createdAt := e.createdAt
	restarts := len(e.crashes)
	c := e.cluster
	s.mu.RUnlock()

	info := ClusterInfo{
		ID:        id,
		Name:      e.cfg.Name,
		Status:    status,
		CreatedAt: createdAt,
		Restarts:  restarts,
	}
	if status == StatusFailed {
		return info
	}
	info.Stats = c.Stats()
	if status == StatusRunning && c.Paused() {
		info.Status = StatusPaused
	}
	return info
}

// ClusterCount returns the number of supervised clusters, including
// abandoned ones that have not been removed.
func (s *Supervisor) ClusterCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Supervisor) notify(id string, status ClusterStatus) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n != nil {
		n.NotifyClusterStatus(id, status)
	}
}

// Shutdown stops every cluster and waits for all monitors to exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clusters := make([]*cluster.Cluster, 0, len(s.entries))
	for _, e := range s.entries {
		if e.status != StatusFailed {
			clusters = append(clusters, e.cluster)
		}
		e.status = StatusStopped
	}
	s.mu.Unlock()

	for _, c := range clusters {
		c.Stop()
	}
	s.wg.Wait()
	s.logger.Info("supervisor shut down", "clusters", len(clusters))
}
