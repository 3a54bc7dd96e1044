package query_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/ivf"
	"github.com/patrikhermansson/colann/kmeans"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
)

const column = "vec"

func randomRows(n, dim int, seed int64) []core.Row {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]core.Row, n)
	for i := range rows {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64()) + float32(i%4)*4
		}
		rows[i] = core.Row{ID: uint64(i), Vector: v}
	}
	return rows
}

func vectors(rows []core.Row) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		out[i] = r.Vector
	}
	return out
}

func buildSource(t *testing.T, rows []core.Row, parts int, qc quantizer.Config) (*query.IVFSource, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	kc := kmeans.DefaultConfig(parts)
	kc.Seed = 7
	p, err := ivf.Train(ctx, vectors(rows), parts, core.L2, kc)
	require.NoError(t, err)
	q, err := quantizer.Train(ctx, qc, core.L2, vectors(rows), p.Centroids())
	require.NoError(t, err)
	x, err := ivf.New(p, q, nil)
	require.NoError(t, err)
	require.NoError(t, x.Add(ctx, rows, nil))

	store := storage.NewMemoryStore()
	require.NoError(t, store.WriteVectors(ctx, column, rows))
	return query.NewIVFSource(column, x, nil), store
}

func pqConfig() quantizer.Config {
	qc := quantizer.DefaultConfig(quantizer.PQ)
	qc.NumSubvectors = 4
	qc.NumCentroids = 16
	qc.Seed = 3
	return qc
}

func bruteForce(rows []core.Row, key []float32, m core.Metric, k int) []core.Neighbor {
	out := make([]core.Neighbor, len(rows))
	for i, r := range rows {
		out[i] = core.Neighbor{RowID: r.ID, Distance: core.Distance(m, key, r.Vector)}
	}
	core.SortNeighbors(m, out)
	return out[:min(k, len(out))]
}

func TestExactSearchFourDim(t *testing.T) {
	rows := []core.Row{
		{ID: 0, Vector: []float32{0, 0, 0, 0}},
		{ID: 1, Vector: []float32{1, 0, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}},
		{ID: 3, Vector: []float32{5, 5, 5, 5}},
	}
	src, store := buildSource(t, rows, 1, quantizer.DefaultConfig(quantizer.Flat))
	exec := query.NewExecutor(src, store)

	got, err := exec.Search(context.Background(), query.Query{
		Key: []float32{0, 0, 0, 0}, K: 2, NProbes: 1, Metric: core.L2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, core.Neighbor{RowID: 0, Distance: 0}, got[0])
	assert.Contains(t, []uint64{1, 2}, got[1].RowID)
	assert.InDelta(t, 1.0, got[1].Distance, 1e-6)
}

func TestExactSearchMatchesBruteForce(t *testing.T) {
	rows := randomRows(300, 8, 1)
	src, store := buildSource(t, rows, 4, pqConfig())
	exec := query.NewExecutor(src, store)
	key := randomRows(1, 8, 99)[0].Vector

	for _, m := range core.Metrics {
		m := m
		t.Run(m.String(), func(t *testing.T) {
			got, err := exec.Search(context.Background(), query.Query{
				Key: key, K: 10, NProbes: 1, Metric: m,
			})
			require.NoError(t, err)
			assert.Equal(t, bruteForce(rows, key, m, 10), got)
		})
	}
}

func TestFlatFullProbeMatchesBruteForce(t *testing.T) {
	rows := randomRows(200, 8, 2)
	src, store := buildSource(t, rows, 4, quantizer.DefaultConfig(quantizer.Flat))
	exec := query.NewExecutor(src, store)
	key := randomRows(1, 8, 5)[0].Vector

	got, err := exec.Search(context.Background(), query.Query{
		Key: key, K: 15, NProbes: 4, Metric: core.L2, UseIndex: true,
	})
	require.NoError(t, err)
	assert.Equal(t, bruteForce(rows, key, core.L2, 15), got)
}

func TestRefineIsNeverWorse(t *testing.T) {
	rows := randomRows(600, 16, 3)
	src, store := buildSource(t, rows, 4, pqConfig())
	exec := query.NewExecutor(src, store)
	byID := make(map[uint64][]float32, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.Vector
	}

	for s := int64(0); s < 5; s++ {
		key := randomRows(1, 16, 100+s)[0].Vector
		q := query.Query{Key: key, K: 10, NProbes: 2, Metric: core.L2, UseIndex: true}

		plain, err := exec.Search(context.Background(), q)
		require.NoError(t, err)
		plainExact := make([]core.Neighbor, len(plain))
		for i, n := range plain {
			plainExact[i] = core.Neighbor{RowID: n.RowID, Distance: core.SquaredEuclidean(key, byID[n.RowID])}
		}
		core.SortByDistance(plainExact)

		q.RefineFactor = 5
		refined, err := exec.Search(context.Background(), q)
		require.NoError(t, err)
		require.Len(t, refined, len(plainExact))
		for i := range refined {
			assert.LessOrEqual(t, refined[i].Distance, plainExact[i].Distance)
			assert.InDelta(t, core.SquaredEuclidean(key, byID[refined[i].RowID]), refined[i].Distance, 1e-5)
		}
	}
}

func TestMergeDeduplicatesKeepingBest(t *testing.T) {
	a := []core.Neighbor{{RowID: 1, Distance: 0.5}, {RowID: 2, Distance: 0.9}}
	b := []core.Neighbor{{RowID: 2, Distance: 0.1}, {RowID: 3, Distance: 0.5}}
	c := []core.Neighbor{{RowID: 1, Distance: 0.7}}

	got := query.Merge(core.L2, a, b, c)
	assert.Equal(t, []core.Neighbor{
		{RowID: 2, Distance: 0.1},
		{RowID: 1, Distance: 0.5},
		{RowID: 3, Distance: 0.5},
	}, got)
	assert.Empty(t, query.Merge(core.L2))
}

func TestInvalidParameters(t *testing.T) {
	rows := randomRows(100, 8, 4)
	src, store := buildSource(t, rows, 2, pqConfig())
	exec := query.NewExecutor(src, store)
	key := rows[0].Vector
	base := query.Query{Key: key, K: 5, NProbes: 1, Metric: core.L2, UseIndex: true}

	cases := map[string]func(q *query.Query){
		"zero k":           func(q *query.Query) { q.K = 0 },
		"zero nprobes":     func(q *query.Query) { q.NProbes = 0 },
		"too many probes":  func(q *query.Query) { q.NProbes = 3 },
		"refine too large": func(q *query.Query) { q.RefineFactor = query.MaxRefineFactor + 1 },
		"metric mismatch":  func(q *query.Query) { q.Metric = core.Dot },
		"unknown metric":   func(q *query.Query) { q.Metric = core.Metric(42) },
		"wrong column":     func(q *query.Query) { q.Column = "other" },
		"negative ef":      func(q *query.Query) { q.Ef = -1 },
	}
	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			q := base
			mutate(&q)
			_, err := exec.Search(context.Background(), q)
			assert.ErrorIs(t, err, core.ErrInvalidQueryParameter)
		})
	}

	q := base
	q.Key = []float32{1, 2, 3}
	_, err := exec.Search(context.Background(), q)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	noReader := query.NewExecutor(src, nil)
	q = base
	q.UseIndex = false
	_, err = noReader.Search(context.Background(), q)
	assert.ErrorIs(t, err, core.ErrInvalidQueryParameter)
}

func TestEmptyIndexReturnsEmpty(t *testing.T) {
	rows := randomRows(64, 8, 5)
	ctx := context.Background()
	p, err := ivf.Train(ctx, vectors(rows), 2, core.L2, kmeans.DefaultConfig(2))
	require.NoError(t, err)
	q, err := quantizer.Train(ctx, quantizer.DefaultConfig(quantizer.Flat), core.L2, vectors(rows), nil)
	require.NoError(t, err)
	x, err := ivf.New(p, q, nil)
	require.NoError(t, err)

	exec := query.NewExecutor(query.NewIVFSource(column, x, nil), storage.NewMemoryStore())
	got, err := exec.Search(ctx, query.Query{Key: rows[0].Vector, K: 3, NProbes: 10, Metric: core.L2, UseIndex: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCancelledQuery(t *testing.T) {
	rows := randomRows(100, 8, 6)
	src, store := buildSource(t, rows, 2, pqConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := query.NewExecutor(src, store).Search(ctx, query.Query{
		Key: rows[0].Vector, K: 3, NProbes: 1, Metric: core.L2, UseIndex: true,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type failingReader struct{}

func (failingReader) ReadVectors(context.Context, string, []uint64) ([][]float32, error) {
	return nil, errors.New("connection reset")
}

func TestStorageFailureSurfaces(t *testing.T) {
	rows := randomRows(100, 8, 7)
	src, _ := buildSource(t, rows, 2, pqConfig())
	exec := query.NewExecutor(src, failingReader{})

	_, err := exec.Search(context.Background(), query.Query{
		Key: rows[0].Vector, K: 3, NProbes: 1, Metric: core.L2, UseIndex: true, RefineFactor: 2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTraceFollowsStates(t *testing.T) {
	rows := randomRows(200, 8, 8)
	src, store := buildSource(t, rows, 4, pqConfig())
	exec := query.NewExecutor(src, store)
	q := query.Query{Key: rows[3].Vector, K: 4, NProbes: 2, Metric: core.L2, UseIndex: true}

	states := func(tr *query.Trace) []query.State {
		out := make([]query.State, len(tr.Steps))
		for i, s := range tr.Steps {
			out[i] = s.State
		}
		return out
	}

	_, tr, err := exec.Explain(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []query.State{
		query.PlanSelectPartitions, query.ScanPartitions, query.MergeCandidates, query.ReturnTopK,
	}, states(tr))
	assert.Len(t, tr.Partitions, 2)
	assert.Zero(t, tr.Refined)

	q.RefineFactor = 3
	got, tr, err := exec.Explain(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []query.State{
		query.PlanSelectPartitions, query.ScanPartitions, query.MergeCandidates, query.Refine, query.ReturnTopK,
	}, states(tr))
	assert.LessOrEqual(t, tr.Refined, 12)
	assert.Len(t, got, 4)
	assert.Contains(t, tr.String(), "refine")
}
