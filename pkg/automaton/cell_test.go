package automaton

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCell(t *testing.T, alive bool) (*Cell, chan Exit) {
	t.Helper()

	exits := make(chan Exit, 1)
	density := 0.0
	if alive {
		density = 1.0
	}
	cell := NewCell(Coordinate{X: 1, Y: 2, Z: 3}, standardRules(), density, rand.New(rand.NewSource(1)), exits)
	return cell, exits
}

func TestCell_InitialState(t *testing.T) {
	cell, _ := newTestCell(t, true)
	defer cell.Stop()

	info := cell.GetState()
	assert.Equal(t, Coordinate{X: 1, Y: 2, Z: 3}, info.Coord)
	assert.True(t, info.State.Alive)
	assert.NotNil(t, info.State.BornAt)
	assert.Equal(t, uint64(0), info.State.Generation)
}

func TestCell_PrepareThenCommit_Birth(t *testing.T) {
	cell, _ := newTestCell(t, false)
	defer cell.Stop()

	<-cell.PrepareEvolution(6, true)
	<-cell.CommitEvolution(true)

	info := cell.GetState()
	assert.True(t, info.State.Alive)
	assert.Equal(t, uint64(1), info.State.Generation)
	assert.Equal(t, uint64(1), info.State.Stats.Births)
	assert.NotNil(t, info.State.Stats.LifeStart)
}

func TestCell_PrepareThenCommit_Death(t *testing.T) {
	cell, _ := newTestCell(t, true)
	defer cell.Stop()

	<-cell.PrepareEvolution(0, true)
	<-cell.CommitEvolution(true)

	info := cell.GetState()
	assert.False(t, info.State.Alive)
	assert.Equal(t, uint64(1), info.State.Stats.Deaths)
	assert.Nil(t, info.State.Stats.LifeStart)
	assert.Nil(t, info.State.BornAt)
}

func TestCell_CommitWithoutPrepareIsNoop(t *testing.T) {
	cell, _ := newTestCell(t, true)
	defer cell.Stop()

	<-cell.CommitEvolution(true)

	info := cell.GetState()
	assert.True(t, info.State.Alive)
	assert.Equal(t, uint64(0), info.State.Generation)
}

func TestCell_StatsAccumulate(t *testing.T) {
	cell, _ := newTestCell(t, true)
	defer cell.Stop()

	// alive -> alive -> dead -> dead
	<-cell.PrepareEvolution(5, true)
	<-cell.CommitEvolution(true)
	<-cell.PrepareEvolution(0, true)
	<-cell.CommitEvolution(true)
	<-cell.PrepareEvolution(0, true)
	<-cell.CommitEvolution(true)

	info := cell.GetState()
	stats := info.State.Stats
	assert.Equal(t, uint64(1), stats.GenerationsAlive)
	assert.Equal(t, uint64(1), stats.Deaths)
	assert.Equal(t, uint64(1), stats.GenerationsDead)
	assert.Equal(t, uint64(3), info.State.Generation)
}

func TestCell_SetRulesTakesEffectNextCycle(t *testing.T) {
	cell, _ := newTestCell(t, false)
	defer cell.Stop()

	// Birth on any neighbor count.
	all := make([]int, MooreNeighbors+1)
	for i := range all {
		all[i] = i
	}
	cell.SetRules(Rules{Name: "always-born", Birth: all, Survival: all})

	<-cell.PrepareEvolution(0, true)
	<-cell.CommitEvolution(true)
	assert.True(t, cell.GetState().State.Alive)
}

func TestCell_StopReportsCleanExit(t *testing.T) {
	cell, exits := newTestCell(t, false)
	cell.Stop()

	select {
	case exit := <-exits:
		assert.NoError(t, exit.Err)
		assert.Equal(t, Coordinate{X: 1, Y: 2, Z: 3}, exit.Coord)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit notification")
	}
}

func TestCell_InjectFaultReportsAbnormalExit(t *testing.T) {
	cell, exits := newTestCell(t, false)
	cell.InjectFault()

	select {
	case exit := <-exits:
		require.Error(t, exit.Err)
		assert.Contains(t, exit.Err.Error(), "injected fault")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit notification")
	}
}

func TestCell_StateWithinTimesOutOnDeadCell(t *testing.T) {
	cell, exits := newTestCell(t, false)
	cell.InjectFault()
	<-exits

	// Fill the orphaned mailbox so the send path also has to give up.
	for i := 0; i < mailboxDepth; i++ {
		cell.CommitEvolution(false)
	}

	_, ok := cell.StateWithin(20 * time.Millisecond)
	assert.False(t, ok)
}
