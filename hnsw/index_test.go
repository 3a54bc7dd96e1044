package hnsw_test

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomRows(n, dim int, seed int64) []core.Row {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]core.Row, n)
	for i := range rows {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		rows[i] = core.Row{ID: uint64(i), Vector: v}
	}
	return rows
}

func bruteForce(rows []core.Row, q []float32, k int, metric core.Metric) []core.Neighbor {
	out := make([]core.Neighbor, len(rows))
	for i, r := range rows {
		out[i] = core.Neighbor{RowID: r.ID, Distance: core.Distance(metric, q, r.Vector)}
	}
	core.SortNeighbors(metric, out)
	return out[:k]
}

func testConfig() hnsw.Config {
	cfg := hnsw.DefaultConfig()
	cfg.Seed = 42
	cfg.Workers = 1
	return cfg
}

func TestIndex_AddAndStats(t *testing.T) {
	index, err := hnsw.NewHNSW(6, core.L2, testConfig())
	require.NoError(t, err)

	require.NoError(t, index.Add(1, []float32{1, 2, 3, 4, 5, 6}))

	err = index.Add(2, []float32{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	err = index.Add(1, []float32{6, 5, 4, 3, 2, 1})
	assert.Error(t, err)

	stats := index.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 6, stats.Dimension)
}

func TestIndex_SearchEmpty(t *testing.T) {
	index, err := hnsw.NewHNSW(3, core.L2, testConfig())
	require.NoError(t, err)
	res, err := index.Search([]float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = index.Search([]float32{1, 2}, 5)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestIndex_Recall(t *testing.T) {
	const (
		n   = 2000
		dim = 16
		k   = 10
	)
	for _, metric := range []core.Metric{core.L2, core.Cosine} {
		rows := randomRows(n, dim, 1)
		index, err := hnsw.NewHNSW(dim, metric, testConfig())
		require.NoError(t, err)
		require.NoError(t, index.BulkAdd(context.Background(), rows))

		queries := randomRows(50, dim, 2)
		hits := 0
		for _, q := range queries {
			truth := bruteForce(rows, q.Vector, k, metric)
			got, err := index.SearchEf(q.Vector, k, 100)
			require.NoError(t, err)
			require.Len(t, got, k)
			want := make(map[uint64]bool, k)
			for _, nb := range truth {
				want[nb.RowID] = true
			}
			for _, nb := range got {
				if want[nb.RowID] {
					hits++
				}
			}
		}
		recall := float64(hits) / float64(len(queries)*k)
		assert.GreaterOrEqual(t, recall, 0.95, metric.String())
	}
}

func TestIndex_ResultsSorted(t *testing.T) {
	rows := randomRows(300, 8, 3)
	index, err := hnsw.NewHNSW(8, core.L2, testConfig())
	require.NoError(t, err)
	require.NoError(t, index.BulkAdd(context.Background(), rows))

	got, err := index.Search(rows[0].Vector, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got[0].RowID)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
}

func TestGraph_DegreeBound(t *testing.T) {
	rows := randomRows(1000, 8, 4)
	cfg := testConfig()
	cfg.M = 4
	index, err := hnsw.NewHNSW(8, core.L2, cfg)
	require.NoError(t, err)
	require.NoError(t, index.BulkAdd(context.Background(), rows))

	stats := index.Graph().Stats()
	assert.Equal(t, 1000, stats.Nodes)
	assert.Equal(t, 1000, stats.LevelCounts[0])
	assert.LessOrEqual(t, stats.MaxDegree[0], 2*cfg.M)
	for l := 1; l < len(stats.MaxDegree); l++ {
		assert.LessOrEqual(t, stats.MaxDegree[l], cfg.M)
		assert.LessOrEqual(t, stats.LevelCounts[l], stats.LevelCounts[l-1])
	}
	assert.LessOrEqual(t, stats.MaxLevel, hnsw.MaxLevelCap)
}

func TestGraph_ConcurrentInsert(t *testing.T) {
	rows := randomRows(2000, 8, 5)
	cfg := testConfig()
	cfg.Workers = 8
	index, err := hnsw.NewHNSW(8, core.L2, cfg)
	require.NoError(t, err)
	require.NoError(t, index.BulkAdd(context.Background(), rows[:1000]))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(part []core.Row) {
			defer wg.Done()
			for _, r := range part {
				assert.NoError(t, index.Add(r.ID, r.Vector))
			}
		}(rows[1000+w*250 : 1000+(w+1)*250])
	}
	wg.Wait()
	assert.Equal(t, 2000, index.Stats().Count)

	got, err := index.Search(rows[1500].Vector, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1500), got[0].RowID)
}

func TestGraph_StateRoundTrip(t *testing.T) {
	rows := randomRows(200, 4, 6)
	space, err := hnsw.NewVectorSpace(4, core.L2)
	require.NoError(t, err)
	g, err := hnsw.New(space, testConfig())
	require.NoError(t, err)
	for _, r := range rows {
		id, err := space.Append(r.Vector)
		require.NoError(t, err)
		require.NoError(t, g.Insert(id, r.ID, r.Vector))
	}

	restored, err := hnsw.FromState(space, g.State())
	require.NoError(t, err)
	a, err := g.Search(rows[7].Vector, 5, 32)
	require.NoError(t, err)
	b, err := restored.Search(rows[7].Vector, 5, 32)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, g.Stats(), restored.Stats())

	assert.Error(t, g.Insert(0, 99, rows[0].Vector))
}

func TestIndex_BulkAddCancelledLeavesIndexEmpty(t *testing.T) {
	rows := randomRows(100, 4, 8)
	for _, workers := range []int{1, 4} {
		cfg := testConfig()
		cfg.Workers = workers
		index, err := hnsw.NewHNSW(4, core.L2, cfg)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = index.BulkAdd(ctx, rows)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, index.Stats().Count)

		// The rows were released and can be added again.
		require.NoError(t, index.BulkAdd(context.Background(), rows))
		assert.Equal(t, 100, index.Stats().Count)
		got, err := index.Search(rows[42].Vector, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint64(42), got[0].RowID)
	}
}

func TestIndex_BulkAddRejectsBatchAtomically(t *testing.T) {
	rows := randomRows(50, 4, 9)
	index, err := hnsw.NewHNSW(4, core.L2, testConfig())
	require.NoError(t, err)
	require.NoError(t, index.BulkAdd(context.Background(), rows[:10]))

	batch := append([]core.Row{}, rows[10:20]...)
	batch = append(batch, core.Row{ID: 3, Vector: rows[20].Vector})
	assert.Error(t, index.BulkAdd(context.Background(), batch))
	assert.Equal(t, 10, index.Stats().Count)
	require.NoError(t, index.BulkAdd(context.Background(), rows[10:20]))
	assert.Equal(t, 20, index.Stats().Count)
}

func TestIndex_SearchHugeK(t *testing.T) {
	rows := randomRows(30, 4, 10)
	index, err := hnsw.NewHNSW(4, core.L2, testConfig())
	require.NoError(t, err)
	require.NoError(t, index.BulkAdd(context.Background(), rows))

	got, err := index.SearchEf(rows[0].Vector, math.MaxInt32, math.MaxInt32)
	require.NoError(t, err)
	assert.Len(t, got, 30)
}

func BenchmarkGraphSearch(b *testing.B) {
	rows := randomRows(5000, 32, 7)
	index, err := hnsw.NewHNSW(32, core.L2, testConfig())
	require.NoError(b, err)
	require.NoError(b, index.BulkAdd(context.Background(), rows))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = index.Search(rows[i%len(rows)].Vector, 10)
	}
}
