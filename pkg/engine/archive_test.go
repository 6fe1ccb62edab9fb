package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thunderblok/thunderline-sub015/pkg/cluster"
)

func testRecord(id string, createdAt time.Time) BenchmarkRecord {
	return BenchmarkRecord{
		ID:              id,
		ClusterName:     "archive-test",
		Rules:           "B5,6,7/S4,5,6",
		CellCount:       27,
		TotalTime:       120 * time.Millisecond,
		GenerationTimes: []time.Duration{10 * time.Millisecond, 12 * time.Millisecond},
		FinalStats:      cluster.Stats{ClusterID: "c1", Generation: 10, CellCount: 27},
		CreatedAt:       createdAt,
	}
}

func TestArchive_SaveAndRecent(t *testing.T) {
	ctx := context.Background()
	a, err := OpenArchive(ctx, filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	defer a.Close()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, a.Save(ctx, testRecord("b1", base)))
	require.NoError(t, a.Save(ctx, testRecord("b2", base.Add(time.Minute))))
	require.NoError(t, a.Save(ctx, testRecord("b3", base.Add(2*time.Minute))))

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recent, err := a.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b3", recent[0].ID, "newest first")
	assert.Equal(t, "b2", recent[1].ID)

	got := recent[0]
	assert.Equal(t, 120*time.Millisecond, got.TotalTime)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 12 * time.Millisecond}, got.GenerationTimes)
	assert.Equal(t, uint64(10), got.FinalStats.Generation)
}

func TestArchive_DuplicateID(t *testing.T) {
	ctx := context.Background()
	a, err := OpenArchive(ctx, filepath.Join(t.TempDir(), "bench.db"))
	require.NoError(t, err)
	defer a.Close()

	rec := testRecord("dup", time.Now().UTC())
	require.NoError(t, a.Save(ctx, rec))
	assert.Error(t, a.Save(ctx, rec))
}

func TestArchive_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bench.db")

	a, err := OpenArchive(ctx, path)
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx, testRecord("keep", time.Now().UTC())))
	require.NoError(t, a.Close())

	reopened, err := OpenArchive(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
