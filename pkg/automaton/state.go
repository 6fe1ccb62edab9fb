package automaton

import "time"

// Coordinate identifies a cell's grid position. Immutable for the lifetime
// of a cluster's dimensions; used as a map key.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// CellStats accumulates per-cell lifetime statistics. Updated only on
// commit, never read concurrently with an update (the owning cell goroutine
// is the single writer; readers receive copies).
type CellStats struct {
	Births           uint64        `json:"births"`
	Deaths           uint64        `json:"deaths"`
	GenerationsAlive uint64        `json:"generations_alive"`
	GenerationsDead  uint64        `json:"generations_dead"`
	LongestLife      time.Duration `json:"longest_life"`

	// LifeStart marks the beginning of the current life span. Nil while dead.
	LifeStart *time.Time `json:"life_start,omitempty"`
}

// CellState is the full mutable state owned by one cell.
type CellState struct {
	Alive      bool       `json:"alive"`
	Generation uint64     `json:"generation"`
	BornAt     *time.Time `json:"born_at,omitempty"`
	Stats      CellStats  `json:"stats"`
}

// CellInfo is a point-in-time copy of a cell's state handed to callers.
type CellInfo struct {
	Coord Coordinate `json:"coord"`
	State CellState  `json:"state"`
	Rules Rules      `json:"rules"`
}

// applyCommit advances the state by one generation given the prepared next
// aliveness, updating the transition statistics.
func (s *CellState) applyCommit(nextAlive bool, now time.Time) {
	switch {
	case !s.Alive && nextAlive:
		s.Stats.Births++
		t := now
		s.Stats.LifeStart = &t
		s.BornAt = &t
	case s.Alive && !nextAlive:
		s.Stats.Deaths++
		if s.Stats.LifeStart != nil {
			if span := now.Sub(*s.Stats.LifeStart); span > s.Stats.LongestLife {
				s.Stats.LongestLife = span
			}
			s.Stats.LifeStart = nil
		}
		s.BornAt = nil
	case s.Alive && nextAlive:
		s.Stats.GenerationsAlive++
	default:
		s.Stats.GenerationsDead++
	}
	s.Alive = nextAlive
	s.Generation++
}
