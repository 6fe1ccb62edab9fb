package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Thunderblok/thunderline-sub015/pkg/automaton"
)

// ErrCellNotFound is returned when a queried coordinate lies outside the
// grid or the cell at that coordinate did not answer.
var ErrCellNotFound = errors.New("cell not found")

// stateQueryTimeout bounds how long a snapshot waits for a single cell.
// A cell that misses the window is treated as dead for this generation
// and skipped; the watcher replaces it before the next tick.
const stateQueryTimeout = 250 * time.Millisecond

// Recorder receives per-generation telemetry. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordGenerationTime(clusterID string, d time.Duration)
	RecordClusterEvent(clusterID string, event string)
}

// Stats is a point-in-time summary of a cluster's progress.
type Stats struct {
	ClusterID    string        `json:"cluster_id"`
	Name         string        `json:"name"`
	Generation   uint64        `json:"generation"`
	CellCount    int           `json:"cell_count"`
	Population   int           `json:"population"`
	CellRestarts uint64        `json:"cell_restarts"`
	Paused       bool          `json:"paused"`
	LastDuration time.Duration `json:"last_duration"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MinDuration  time.Duration `json:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
}

// Cluster owns a 3-D grid of cell actors and drives their generational
// evolution. All exported methods are safe for concurrent use.
type Cluster struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	cells      map[automaton.Coordinate]*automaton.Cell
	rules      automaton.Rules
	generation uint64
	population int
	restarts   uint64
	paused     bool
	totalDur   time.Duration
	minDur     time.Duration
	maxDur     time.Duration
	lastDur    time.Duration
	timedGens  uint64

	rng      *rand.Rand
	exits    chan automaton.Exit
	ctrl     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	failed   chan error
	wg       sync.WaitGroup

	recorder Recorder
}

// Option configures a Cluster at construction time.
type Option func(*Cluster)

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Cluster) { c.recorder = r }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cluster) { c.logger = l }
}

// New builds the grid, spawns one cell actor per coordinate and starts
// the tick and watcher goroutines.
func New(id string, cfg Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cluster %s: %w", id, err)
	}
	cfg = cfg.withDefaults()

	c := &Cluster{
		id:     id,
		cfg:    cfg,
		logger: slog.Default(),
		cells:  make(map[automaton.Coordinate]*automaton.Cell, cfg.CellCount()),
		rules:  cfg.Rules,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		exits:  make(chan automaton.Exit, 2*cfg.CellCount()),
		ctrl:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		failed: make(chan error, 1),
		minDur: time.Duration(1<<63 - 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("cluster_id", id, "name", cfg.Name)

	for x := 0; x < cfg.DimX; x++ {
		for y := 0; y < cfg.DimY; y++ {
			for z := 0; z < cfg.DimZ; z++ {
				coord := automaton.Coordinate{X: x, Y: y, Z: z}
				c.cells[coord] = automaton.NewCell(coord, c.rules, cfg.InitialDensity, c.rng, c.exits)
			}
		}
	}

	c.wg.Add(2)
	go c.runLoop()
	go c.watchLoop()

	c.logger.Info("cluster started",
		"cells", cfg.CellCount(),
		"tick_interval", cfg.TickInterval,
		"rules", c.rules.Key())
	return c, nil
}

// ID returns the cluster's identifier.
func (c *Cluster) ID() string { return c.id }

// Name returns the configured display name.
func (c *Cluster) Name() string { return c.cfg.Name }

// Failed delivers at most one error if an internal loop panics, and is
// closed without a value when the cluster stops cleanly. The supervisor
// uses it to detect cluster-level faults.
func (c *Cluster) Failed() <-chan error { return c.failed }

// runLoop schedules evolution ticks. Pausing cancels the pending tick;
// resuming re-arms a full interval.
func (c *Cluster) runLoop() {
	defer c.wg.Done()
	defer c.capturePanic("tick loop")
	for {
		if c.Paused() {
			select {
			case <-c.stopCh:
				return
			case <-c.ctrl:
			}
			continue
		}
		timer := time.NewTimer(c.cfg.TickInterval)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-c.ctrl:
			timer.Stop()
		case <-timer.C:
			c.EvolveGeneration()
		}
	}
}

// watchLoop restarts cells that terminated abnormally. The replacement
// occupies the same coordinate, so the grid invariant X*Y*Z holds.
func (c *Cluster) watchLoop() {
	defer c.wg.Done()
	defer c.capturePanic("watch loop")
	for {
		select {
		case <-c.stopCh:
			return
		case exit := <-c.exits:
			if exit.Err == nil {
				continue
			}
			c.restartCell(exit)
		}
	}
}

func (c *Cluster) restartCell(exit automaton.Exit) {
	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		return
	default:
	}
	c.cells[exit.Coord] = automaton.NewCell(exit.Coord, c.rules, c.cfg.InitialDensity, c.rng, c.exits)
	c.restarts++
	c.mu.Unlock()

	c.logger.Warn("cell restarted",
		"coord", fmt.Sprintf("(%d,%d,%d)", exit.Coord.X, exit.Coord.Y, exit.Coord.Z),
		"error", exit.Err)
	if c.recorder != nil {
		c.recorder.RecordClusterEvent(c.id, "cell_restarted")
	}
}

func (c *Cluster) capturePanic(where string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%s panic: %v", where, r)
		c.logger.Error("cluster loop failed", "error", err)
		select {
		case c.failed <- err:
		default:
		}
	}
}

// EvolveGeneration advances the whole grid by one generation: snapshot
// every cell, dispatch prepare with neighbor counts, then dispatch
// commit. With CommitBarrier set each phase waits for all cells to
// acknowledge before the next begins. Returns the new generation number.
func (c *Cluster) EvolveGeneration() uint64 {
	start := time.Now()

	c.mu.RLock()
	barrier := c.cfg.CommitBarrier
	cells := make(map[automaton.Coordinate]*automaton.Cell, len(c.cells))
	for coord, cell := range c.cells {
		cells[coord] = cell
	}
	c.mu.RUnlock()

	// Phase 0: synchronous state snapshot. Cells that do not answer are
	// counted dead and skipped for the remaining phases.
	alive := make(map[automaton.Coordinate]bool, len(cells))
	answered := make(map[automaton.Coordinate]bool, len(cells))
	population := 0
	for coord, cell := range cells {
		info, ok := cell.StateWithin(stateQueryTimeout)
		if !ok {
			continue
		}
		answered[coord] = true
		if info.State.Alive {
			alive[coord] = true
			population++
		}
	}

	// Phase 1: prepare.
	var acks []<-chan struct{}
	for coord, cell := range cells {
		if !answered[coord] {
			continue
		}
		ack := cell.PrepareEvolution(countAliveNeighbors(alive, coord), barrier)
		if barrier {
			acks = append(acks, ack)
		}
	}
	waitAll(acks)

	// Phase 2: commit.
	acks = acks[:0]
	for coord, cell := range cells {
		if !answered[coord] {
			continue
		}
		ack := cell.CommitEvolution(barrier)
		if barrier {
			acks = append(acks, ack)
		}
	}
	waitAll(acks)

	elapsed := time.Since(start)

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.population = population
	c.lastDur = elapsed
	c.totalDur += elapsed
	c.timedGens++
	if elapsed < c.minDur {
		c.minDur = elapsed
	}
	if elapsed > c.maxDur {
		c.maxDur = elapsed
	}
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordGenerationTime(c.id, elapsed)
	}
	return gen
}

func waitAll(acks []<-chan struct{}) {
	for _, ack := range acks {
		<-ack
	}
}

// countAliveNeighbors counts live Moore neighbors of coord. Coordinates
// outside the grid are absent from the map and count as dead.
func countAliveNeighbors(alive map[automaton.Coordinate]bool, coord automaton.Coordinate) int {
	n := 0
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				if alive[automaton.Coordinate{X: coord.X + dx, Y: coord.Y + dy, Z: coord.Z + dz}] {
					n++
				}
			}
		}
	}
	return n
}

// Pause stops scheduling ticks. Any pending tick is cancelled. Pausing
// an already paused cluster is a no-op.
func (c *Cluster) Pause() {
	c.mu.Lock()
	was := c.paused
	c.paused = true
	c.mu.Unlock()
	if !was {
		c.notifyCtrl()
		c.logger.Info("cluster paused")
		if c.recorder != nil {
			c.recorder.RecordClusterEvent(c.id, "paused")
		}
	}
}

// Resume restarts tick scheduling with a full interval. Resuming a
// running cluster is a no-op.
func (c *Cluster) Resume() {
	c.mu.Lock()
	was := c.paused
	c.paused = false
	c.mu.Unlock()
	if was {
		c.notifyCtrl()
		c.logger.Info("cluster resumed")
		if c.recorder != nil {
			c.recorder.RecordClusterEvent(c.id, "resumed")
		}
	}
}

// Paused reports whether tick scheduling is suspended.
func (c *Cluster) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

func (c *Cluster) notifyCtrl() {
	select {
	case c.ctrl <- struct{}{}:
	default:
	}
}

// SetRules replaces the rule set on every cell. New rules take effect
// from the next prepare each cell processes.
func (c *Cluster) SetRules(r automaton.Rules) {
	r = r.Normalize()
	c.mu.Lock()
	c.rules = r
	cells := make([]*automaton.Cell, 0, len(c.cells))
	for _, cell := range c.cells {
		cells = append(cells, cell)
	}
	c.mu.Unlock()

	for _, cell := range cells {
		cell.SetRules(r)
	}
	c.logger.Info("rules updated", "rules", r.Key())
	if c.recorder != nil {
		c.recorder.RecordClusterEvent(c.id, "rules_updated")
	}
}

// Rules returns the cluster's current rule set.
func (c *Cluster) Rules() automaton.Rules {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// CellState queries a single cell's state. Out-of-range coordinates and
// cells that fail to answer report ErrCellNotFound.
func (c *Cluster) CellState(x, y, z int) (automaton.CellInfo, error) {
	if x < 0 || x >= c.cfg.DimX || y < 0 || y >= c.cfg.DimY || z < 0 || z >= c.cfg.DimZ {
		return automaton.CellInfo{}, fmt.Errorf("coordinate (%d,%d,%d): %w", x, y, z, ErrCellNotFound)
	}
	coord := automaton.Coordinate{X: x, Y: y, Z: z}
	c.mu.RLock()
	cell := c.cells[coord]
	c.mu.RUnlock()
	if cell == nil {
		return automaton.CellInfo{}, fmt.Errorf("coordinate (%d,%d,%d): %w", x, y, z, ErrCellNotFound)
	}
	info, ok := cell.StateWithin(time.Second)
	if !ok {
		return automaton.CellInfo{}, fmt.Errorf("coordinate (%d,%d,%d) did not answer: %w", x, y, z, ErrCellNotFound)
	}
	return info, nil
}

// InjectCellFault crashes the cell at the given coordinate. Used by fault
// injection endpoints and tests; the watcher restarts the cell.
func (c *Cluster) InjectCellFault(x, y, z int) error {
	coord := automaton.Coordinate{X: x, Y: y, Z: z}
	c.mu.RLock()
	cell := c.cells[coord]
	c.mu.RUnlock()
	if cell == nil {
		return fmt.Errorf("coordinate (%d,%d,%d): %w", x, y, z, ErrCellNotFound)
	}
	cell.InjectFault()
	return nil
}

// CellCount returns the number of live cell actors. It equals the grid
// size X*Y*Z whenever the cluster is running.
func (c *Cluster) CellCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cells)
}

// Stats returns a snapshot of the cluster's counters.
func (c *Cluster) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		ClusterID:    c.id,
		Name:         c.cfg.Name,
		Generation:   c.generation,
		CellCount:    len(c.cells),
		Population:   c.population,
		CellRestarts: c.restarts,
		Paused:       c.paused,
		LastDuration: c.lastDur,
		MaxDuration:  c.maxDur,
	}
	if c.timedGens > 0 {
		s.AvgDuration = c.totalDur / time.Duration(c.timedGens)
		s.MinDuration = c.minDur
	}
	return s
}

// Generation returns the current generation number.
func (c *Cluster) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Stop halts the tick loop, the watcher and every cell actor. It is
// idempotent and safe to call concurrently.
func (c *Cluster) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.notifyCtrl()
		c.wg.Wait()
		// Both loops have exited, so no further sends can race the close.
		// Closing lets watchers of Failed distinguish a clean stop.
		close(c.failed)

		c.mu.RLock()
		cells := make([]*automaton.Cell, 0, len(c.cells))
		for _, cell := range c.cells {
			cells = append(cells, cell)
		}
		c.mu.RUnlock()
		for _, cell := range cells {
			cell.Stop()
		}
		c.logger.Info("cluster stopped")
		if c.recorder != nil {
			c.recorder.RecordClusterEvent(c.id, "stopped")
		}
	})
}
