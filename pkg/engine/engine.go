// Package engine holds the rule-algorithm catalog, optimizes rule sets
// against performance targets with memoized results, and measures
// cluster throughput with short-lived benchmark clusters.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Thunderblok/thunderline-sub015/pkg/automaton"
	"github.com/Thunderblok/thunderline-sub015/pkg/cachestore"
	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
	"github.com/Thunderblok/thunderline-sub015/pkg/supervisor"
)

// ErrUnknownAlgorithm is returned when a preset name is not in the
// catalog.
var ErrUnknownAlgorithm = errors.New("unknown algorithm")

const (
	// benchmarkGenerations is the fixed number of timed generations per
	// benchmark run.
	benchmarkGenerations = 10
	// historyCap bounds the in-memory benchmark history.
	historyCap = 50
	// aggressiveTarget is the generation-time target below which the
	// optimizer narrows rule sets.
	aggressiveTarget = 50 * time.Millisecond
)

// PerformanceTargets constrain rule optimization.
type PerformanceTargets struct {
	// MaxGenerationTime is the desired upper bound on one generation's
	// wall time. Zero means no target.
	MaxGenerationTime time.Duration `json:"max_generation_time" yaml:"max_generation_time"`
	// MaxMemoryBytes is advisory and currently only part of the cache
	// key.
	MaxMemoryBytes uint64 `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes,omitempty"`
}

// BenchmarkRecord is the outcome of one benchmark run.
type BenchmarkRecord struct {
	ID              string          `json:"id"`
	ClusterName     string          `json:"cluster_name"`
	Rules           string          `json:"rules"`
	CellCount       int             `json:"cell_count"`
	TotalTime       time.Duration   `json:"total_time"`
	GenerationTimes []time.Duration `json:"generation_times"`
	FinalStats      cluster.Stats   `json:"final_stats"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EngineStatus is a snapshot of the manager's counters.
type EngineStatus struct {
	AlgorithmCount int       `json:"algorithm_count"`
	CacheSize      int       `json:"cache_size"`
	BenchmarkCount uint64    `json:"benchmark_count"`
	HistorySize    int       `json:"history_size"`
	LastBenchmark  time.Time `json:"last_benchmark,omitempty"`
}

// BenchmarkCluster is the slice of cluster behavior a benchmark needs.
type BenchmarkCluster interface {
	EvolveGeneration() uint64
	Stats() cluster.Stats
}

// ClusterControl abstracts the supervisor for benchmark runs.
type ClusterControl interface {
	StartCluster(cfg cluster.Config) (string, error)
	StopCluster(id string) error
	Cluster(id string) (BenchmarkCluster, error)
}

// SupervisorControl adapts a supervisor to the ClusterControl interface.
type SupervisorControl struct {
	sup *supervisor.Supervisor
}

// NewSupervisorControl wraps a supervisor for benchmark use.
func NewSupervisorControl(s *supervisor.Supervisor) SupervisorControl {
	return SupervisorControl{sup: s}
}

func (s SupervisorControl) StartCluster(cfg cluster.Config) (string, error) {
	return s.sup.StartCluster(cfg)
}

func (s SupervisorControl) StopCluster(id string) error { return s.sup.StopCluster(id) }

func (s SupervisorControl) Cluster(id string) (BenchmarkCluster, error) {
	return s.sup.Cluster(id)
}

// Manager implements the engine operations. Safe for concurrent use.
type Manager struct {
	control ClusterControl
	cache   cachestore.Store
	archive *Archive
	logger  *slog.Logger
	catalog map[string]automaton.Rules

	cacheWrites atomic.Int64
	cacheMisses atomic.Int64

	mu             sync.RWMutex
	history        []BenchmarkRecord
	benchmarkCount uint64
	lastBenchmark  time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the optimization cache backend. Defaults to the
// in-process store.
func WithCache(s cachestore.Store) Option {
	return func(m *Manager) { m.cache = s }
}

// WithArchive persists benchmark records to the given archive.
func WithArchive(a *Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager builds a manager bound to a cluster control plane.
func NewManager(control ClusterControl, opts ...Option) *Manager {
	m := &Manager{
		control: control,
		cache:   cachestore.NewMemory(),
		logger:  slog.Default(),
		catalog: presetCatalog(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// presetCatalog is the fixed set of named rule algorithms.
func presetCatalog() map[string]automaton.Rules {
	presets := []automaton.Rules{
		{Name: "standard", Birth: []int{5, 6, 7}, Survival: []int{4, 5, 6}},
		{Name: "high_growth", Birth: []int{4, 5, 6, 7}, Survival: []int{3, 4, 5, 6}},
		{Name: "decay", Birth: []int{6, 7}, Survival: []int{5, 6}},
		{Name: "sparse", Birth: []int{5}, Survival: []int{4, 5}},
		{Name: "crystal", Birth: []int{5, 6}, Survival: []int{5, 6, 7}},
	}
	catalog := make(map[string]automaton.Rules, len(presets))
	for _, r := range presets {
		catalog[r.Name] = r.Normalize()
	}
	return catalog
}

// AvailableAlgorithms lists the catalog sorted by name.
func (m *Manager) AvailableAlgorithms() []automaton.Rules {
	out := make([]automaton.Rules, 0, len(m.catalog))
	for _, r := range m.catalog {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Algorithm looks up one preset by name.
func (m *Manager) Algorithm(name string) (automaton.Rules, error) {
	r, ok := m.catalog[name]
	if !ok {
		return automaton.Rules{}, fmt.Errorf("algorithm %q: %w", name, ErrUnknownAlgorithm)
	}
	return r, nil
}

// OptimizeRules adapts a rule set to the given targets. Identical
// (rules, targets) inputs are memoized, so repeat calls return the
// cached result without recomputation.
func (m *Manager) OptimizeRules(ctx context.Context, rules automaton.Rules, targets PerformanceTargets) (automaton.Rules, error) {
	rules = rules.Normalize()
	key := optimizationKey(rules, targets)

	if cached, ok, err := m.cache.Get(ctx, key); err != nil {
		return automaton.Rules{}, fmt.Errorf("optimization cache get: %w", err)
	} else if ok {
		var out automaton.Rules
		if err := json.Unmarshal(cached, &out); err != nil {
			return automaton.Rules{}, fmt.Errorf("optimization cache decode: %w", err)
		}
		return out, nil
	}

	m.cacheMisses.Add(1)
	optimized := optimize(rules, targets)

	encoded, err := json.Marshal(optimized)
	if err != nil {
		return automaton.Rules{}, fmt.Errorf("optimization cache encode: %w", err)
	}
	// Entries never expire within a run.
	if err := m.cache.Set(ctx, key, encoded, 0); err != nil {
		return automaton.Rules{}, fmt.Errorf("optimization cache set: %w", err)
	}
	m.cacheWrites.Add(1)

	m.logger.Info("rules optimized",
		"input", rules.Key(),
		"output", optimized.Key(),
		"level", optimized.OptimizationLevel)
	return optimized, nil
}

func optimizationKey(rules automaton.Rules, targets PerformanceTargets) string {
	return fmt.Sprintf("opt:%s|%s|maxgen=%d|maxmem=%d",
		rules.Name, rules.Key(), targets.MaxGenerationTime.Nanoseconds(), targets.MaxMemoryBytes)
}

// optimize applies a fixed heuristic: an aggressive generation-time
// target narrows the birth and survival sets to their lower halves,
// which cuts the number of live transitions the grid produces.
func optimize(rules automaton.Rules, targets PerformanceTargets) automaton.Rules {
	out := rules
	if targets.MaxGenerationTime > 0 && targets.MaxGenerationTime < aggressiveTarget {
		out.Birth = lowerHalf(rules.Birth)
		out.Survival = lowerHalf(rules.Survival)
		out.OptimizationLevel = "aggressive"
		return out
	}
	out.OptimizationLevel = "standard"
	return out
}

func lowerHalf(set []int) []int {
	if len(set) <= 1 {
		return append([]int(nil), set...)
	}
	n := (len(set) + 1) / 2
	return append([]int(nil), set[:n]...)
}

// CacheMisses counts optimizations served by computation instead of the
// cache. Exposed for observability and tests.
func (m *Manager) CacheMisses() int64 { return m.cacheMisses.Load() }

// BenchmarkPerformance starts an ephemeral cluster under cfg, drives it
// through the fixed number of timed generations, records the outcome
// and tears the cluster down. Teardown happens on every exit path,
// including errors and panics.
func (m *Manager) BenchmarkPerformance(ctx context.Context, cfg cluster.Config) (BenchmarkRecord, error) {
	benchID := uuid.NewString()
	if cfg.Name == "" {
		cfg.Name = "benchmark-" + benchID[:8]
	}

	clusterID, err := m.control.StartCluster(cfg)
	if err != nil {
		return BenchmarkRecord{}, fmt.Errorf("benchmark %s: start cluster: %w", benchID, err)
	}
	defer func() {
		if stopErr := m.control.StopCluster(clusterID); stopErr != nil {
			m.logger.Error("benchmark cluster teardown failed",
				"benchmark_id", benchID, "cluster_id", clusterID, "error", stopErr)
		}
	}()

	target, err := m.control.Cluster(clusterID)
	if err != nil {
		return BenchmarkRecord{}, fmt.Errorf("benchmark %s: resolve cluster: %w", benchID, err)
	}

	times := make([]time.Duration, 0, benchmarkGenerations)
	start := time.Now()
	for i := 0; i < benchmarkGenerations; i++ {
		if err := ctx.Err(); err != nil {
			return BenchmarkRecord{}, fmt.Errorf("benchmark %s: generation %d: %w", benchID, i+1, err)
		}
		genStart := time.Now()
		target.EvolveGeneration()
		times = append(times, time.Since(genStart))
	}

	rec := BenchmarkRecord{
		ID:              benchID,
		ClusterName:     cfg.Name,
		Rules:           cfg.Rules.Key(),
		CellCount:       cfg.CellCount(),
		TotalTime:       time.Since(start),
		GenerationTimes: times,
		FinalStats:      target.Stats(),
		CreatedAt:       time.Now(),
	}

	m.mu.Lock()
	m.history = append(m.history, rec)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.benchmarkCount++
	m.lastBenchmark = rec.CreatedAt
	m.mu.Unlock()

	if m.archive != nil {
		if err := m.archive.Save(ctx, rec); err != nil {
			m.logger.Error("benchmark archive write failed", "benchmark_id", benchID, "error", err)
		}
	}

	m.logger.Info("benchmark complete",
		"benchmark_id", benchID,
		"cluster", cfg.Name,
		"cells", rec.CellCount,
		"total_time", rec.TotalTime)
	return rec, nil
}

// History returns the retained benchmark records, oldest first.
func (m *Manager) History() []BenchmarkRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]BenchmarkRecord(nil), m.history...)
}

// Status reports the manager's counters.
func (m *Manager) Status() EngineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return EngineStatus{
		AlgorithmCount: len(m.catalog),
		CacheSize:      int(m.cacheWrites.Load()),
		BenchmarkCount: m.benchmarkCount,
		HistorySize:    len(m.history),
		LastBenchmark:  m.lastBenchmark,
	}
}
