package cluster

import (
	"fmt"
	"time"

	"github.com/Thunderblok/thunderline-sub015/pkg/automaton"
)

// DefaultTickInterval is the evolution period applied when a config does
// not specify one.
const DefaultTickInterval = 100 * time.Millisecond

// DefaultInitialDensity is the probability that a freshly created cell
// starts alive.
const DefaultInitialDensity = 0.2

// Config describes one cluster's grid and scheduling parameters.
type Config struct {
	Name string `json:"name" yaml:"name"`

	DimX int `json:"dim_x" yaml:"dim_x"`
	DimY int `json:"dim_y" yaml:"dim_y"`
	DimZ int `json:"dim_z" yaml:"dim_z"`

	Rules automaton.Rules `json:"rules" yaml:"rules"`

	TickInterval   time.Duration `json:"tick_interval" yaml:"tick_interval"`
	InitialDensity float64       `json:"initial_density" yaml:"initial_density"`

	// Seed fixes the RNG used for initial cell population and restarts.
	// Zero selects a time-based seed.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// CommitBarrier makes each evolution phase wait for every cell's
	// acknowledgment before the next phase is dispatched. The default
	// (false) reproduces the best-effort generation boundary where a slow
	// cell may commit after the next tick has begun collecting snapshots.
	CommitBarrier bool `json:"commit_barrier" yaml:"commit_barrier"`
}

// Validate checks the dimensions and density.
func (c Config) Validate() error {
	if c.DimX <= 0 || c.DimY <= 0 || c.DimZ <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d: all must be positive", c.DimX, c.DimY, c.DimZ)
	}
	if c.InitialDensity < 0 || c.InitialDensity > 1 {
		return fmt.Errorf("invalid initial density %v: must be in [0,1]", c.InitialDensity)
	}
	return nil
}

// CellCount returns the grid population X*Y*Z.
func (c Config) CellCount() int {
	return c.DimX * c.DimY * c.DimZ
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.InitialDensity == 0 {
		c.InitialDensity = DefaultInitialDensity
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if len(c.Rules.Birth) == 0 && len(c.Rules.Survival) == 0 {
		c.Rules = automaton.Rules{Name: "standard", Birth: []int{5, 6, 7}, Survival: []int{4, 5, 6}}
	}
	return c
}
