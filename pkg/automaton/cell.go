package automaton

import (
	"fmt"
	"math/rand"
	"time"
)

// Exit reports a cell goroutine's termination to its owning cluster.
// Err is nil for an ordered Stop and non-nil for an abnormal exit.
type Exit struct {
	Coord Coordinate
	Err   error
}

// Cell is one schedulable unit representing a single grid coordinate's
// automaton state. Each cell runs its own goroutine draining a private
// mailbox, so messages are processed strictly in arrival order and the
// CellState is never touched by more than one goroutine.
type Cell struct {
	coord   Coordinate
	mailbox chan message
}

type message struct {
	kind  msgKind
	rules Rules
	// aliveNeighbors carries the snapshot count for prepare messages.
	aliveNeighbors int
	// reply receives a state copy for get-state messages.
	reply chan CellInfo
	// ack, when non-nil, is closed after a prepare/commit is processed.
	ack chan struct{}
}

type msgKind int

const (
	msgGetState msgKind = iota
	msgSetRules
	msgPrepare
	msgCommit
	msgStop
	msgFault
)

// mailboxDepth bounds the per-cell queue. Two phases per tick plus control
// traffic fit comfortably; a full mailbox blocks the dispatcher rather than
// dropping a phase message.
const mailboxDepth = 8

// NewCell spawns a cell goroutine at the given coordinate with a randomized
// initial state (density = probability of starting alive). Termination is
// reported exactly once on exits.
func NewCell(coord Coordinate, rules Rules, density float64, rng *rand.Rand, exits chan<- Exit) *Cell {
	c := &Cell{
		coord:   coord,
		mailbox: make(chan message, mailboxDepth),
	}
	state := CellState{}
	if rng.Float64() < density {
		now := time.Now()
		state.Alive = true
		state.BornAt = &now
		state.Stats.LifeStart = &now
	}
	go c.run(state, rules, exits)
	return c
}

// Coord returns the cell's grid position.
func (c *Cell) Coord() Coordinate { return c.coord }

func (c *Cell) run(state CellState, rules Rules, exits chan<- Exit) {
	var exitErr error
	defer func() {
		if r := recover(); r != nil {
			exitErr = fmt.Errorf("cell %v: %v", c.coord, r)
		}
		exits <- Exit{Coord: c.coord, Err: exitErr}
	}()

	// nextAlive holds the prepared-but-uncommitted state between the two
	// phases of a generation advance.
	var nextAlive bool
	var prepared bool

	for msg := range c.mailbox {
		switch msg.kind {
		case msgGetState:
			msg.reply <- CellInfo{Coord: c.coord, State: state, Rules: rules}
		case msgSetRules:
			rules = msg.rules
		case msgPrepare:
			nextAlive = rules.NextAlive(state.Alive, msg.aliveNeighbors)
			prepared = true
			if msg.ack != nil {
				close(msg.ack)
			}
		case msgCommit:
			if prepared {
				state.applyCommit(nextAlive, time.Now())
				prepared = false
			}
			if msg.ack != nil {
				close(msg.ack)
			}
		case msgStop:
			return
		case msgFault:
			panic("injected fault")
		}
	}
}

// GetState synchronously queries the cell's current state.
func (c *Cell) GetState() CellInfo {
	reply := make(chan CellInfo, 1)
	c.mailbox <- message{kind: msgGetState, reply: reply}
	return <-reply
}

// StateWithin queries the cell's state, giving up after the timeout. A
// false return means the cell did not answer in time (typically because it
// terminated between the caller's snapshot of the cell map and the query).
func (c *Cell) StateWithin(timeout time.Duration) (CellInfo, bool) {
	reply := make(chan CellInfo, 1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.mailbox <- message{kind: msgGetState, reply: reply}:
	case <-timer.C:
		return CellInfo{}, false
	}
	select {
	case info := <-reply:
		return info, true
	case <-timer.C:
		return CellInfo{}, false
	}
}

// SetRules replaces the rule set used from the next evolution cycle on.
func (c *Cell) SetRules(rules Rules) {
	c.mailbox <- message{kind: msgSetRules, rules: rules}
}

// PrepareEvolution computes the next state from the neighbor snapshot
// without applying it. The returned channel is nil unless withAck is set,
// in which case it is closed once the cell has processed the message.
func (c *Cell) PrepareEvolution(aliveNeighbors int, withAck bool) <-chan struct{} {
	var ack chan struct{}
	if withAck {
		ack = make(chan struct{})
	}
	c.mailbox <- message{kind: msgPrepare, aliveNeighbors: aliveNeighbors, ack: ack}
	return ack
}

// CommitEvolution applies the previously prepared state, advancing the
// generation counter and statistics. A commit without a preceding prepare
// is a no-op.
func (c *Cell) CommitEvolution(withAck bool) <-chan struct{} {
	var ack chan struct{}
	if withAck {
		ack = make(chan struct{})
	}
	c.mailbox <- message{kind: msgCommit, ack: ack}
	return ack
}

// Stop terminates the cell goroutine in order. The exit notification
// carries a nil error.
func (c *Cell) Stop() {
	c.mailbox <- message{kind: msgStop}
}

// InjectFault makes the cell goroutine terminate abnormally, exercising the
// cluster's restart path.
func (c *Cell) InjectFault() {
	c.mailbox <- message{kind: msgFault}
}
