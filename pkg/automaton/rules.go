package automaton

import (
	"fmt"
	"sort"
	"strings"
)

// Rules is a named birth/survival rule set evaluated over the 26-cell
// 3-D Moore neighborhood. Rule sets are immutable value objects: operations
// that derive new rules (optimization, normalization) return copies.
type Rules struct {
	Name     string `json:"name" yaml:"name"`
	Birth    []int  `json:"birth" yaml:"birth"`
	Survival []int  `json:"survival" yaml:"survival"`

	// OptimizationLevel is an annotation set by the engine optimizer
	// ("standard", "aggressive"). Empty for catalog presets.
	OptimizationLevel string `json:"optimization_level,omitempty" yaml:"optimization_level,omitempty"`
}

// MooreNeighbors is the neighborhood size for a 3-D Moore neighborhood.
const MooreNeighbors = 26

// NextAlive applies the rule set to one cell: a dead cell with an alive
// neighbor count in the birth set becomes alive, an alive cell with a count
// in the survival set stays alive, everything else is dead.
func (r Rules) NextAlive(alive bool, aliveNeighbors int) bool {
	if alive {
		return containsInt(r.Survival, aliveNeighbors)
	}
	return containsInt(r.Birth, aliveNeighbors)
}

// Normalize returns a copy with both neighbor sets sorted, deduplicated and
// clamped to the valid 0..26 range.
func (r Rules) Normalize() Rules {
	out := r
	out.Birth = normalizeSet(r.Birth)
	out.Survival = normalizeSet(r.Survival)
	return out
}

// Key returns a canonical string usable as a cache key. Two rule sets with
// the same neighbor sets produce the same key regardless of ordering.
func (r Rules) Key() string {
	n := r.Normalize()
	return fmt.Sprintf("B%s/S%s", joinInts(n.Birth), joinInts(n.Survival))
}

func (r Rules) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s (%s)", r.Name, r.Key())
	}
	return r.Key()
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func normalizeSet(set []int) []int {
	seen := make(map[int]bool, len(set))
	out := make([]int, 0, len(set))
	for _, v := range set {
		if v < 0 || v > MooreNeighbors || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}
