package index

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
	"github.com/patrikhermansson/colann/transform"
)

const column = "embedding"

func clusteredRows(n, dim int, firstID uint64, seed int64) []core.Row {
	rng := rand.New(rand.NewSource(seed))
	centers := make([][]float32, 8)
	for c := range centers {
		centers[c] = make([]float32, dim)
		for j := range centers[c] {
			centers[c][j] = float32(rng.NormFloat64() * 5)
		}
	}
	rows := make([]core.Row, n)
	for i := range rows {
		v := make([]float32, dim)
		for j := range v {
			v[j] = centers[rng.Intn(len(centers))][j] + float32(rng.NormFloat64())
		}
		rows[i] = core.Row{ID: firstID + uint64(i), Vector: v}
	}
	return rows
}

func storeWith(t *testing.T, rows []core.Row) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, s.WriteVectors(context.Background(), column, rows))
	return s
}

func pqParams(partitions int) BuildParams {
	p := DefaultBuildParams(column, core.L2, partitions)
	p.Quantizer.NumSubvectors = 8
	p.Quantizer.NumCentroids = 16
	p.Seed = 11
	return p
}

func exactTopK(rows []core.Row, key []float32, m core.Metric, k int) map[uint64]bool {
	all := make([]core.Neighbor, len(rows))
	for i, r := range rows {
		all[i] = core.Neighbor{RowID: r.ID, Distance: core.Distance(m, key, r.Vector)}
	}
	core.SortNeighbors(m, all)
	out := make(map[uint64]bool, k)
	for _, n := range all[:k] {
		out[n.RowID] = true
	}
	return out
}

func recall(got []core.Neighbor, want map[uint64]bool) float64 {
	hits := 0
	for _, n := range got {
		if want[n.RowID] {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func TestBuildFourDimScenario(t *testing.T) {
	rows := []core.Row{
		{ID: 0, Vector: []float32{0, 0, 0, 0}},
		{ID: 1, Vector: []float32{1, 0, 0, 0}},
		{ID: 2, Vector: []float32{0, 1, 0, 0}},
		{ID: 3, Vector: []float32{5, 5, 5, 5}},
	}
	p := DefaultBuildParams(column, core.L2, 1)
	p.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	p.Seed = 1
	idx, err := Build(context.Background(), p, rows, storeWith(t, rows))
	require.NoError(t, err)

	got, err := idx.Search(context.Background(), query.Query{
		Column: column, Key: []float32{0, 0, 0, 0}, K: 2, NProbes: 1, Metric: core.L2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].RowID)
	assert.Zero(t, got[0].Distance)
	assert.Contains(t, []uint64{1, 2}, got[1].RowID)
	assert.InDelta(t, 1.0, got[1].Distance, 1e-6)
}

func TestBuildPQRecallWithRefine(t *testing.T) {
	rows := clusteredRows(1000, 16, 0, 1)
	idx, err := Build(context.Background(), pqParams(8), rows, storeWith(t, rows))
	require.NoError(t, err)
	assert.Equal(t, 1000, idx.Len())

	var total float64
	queries := clusteredRows(20, 16, 0, 1)
	for _, q := range queries {
		got, err := idx.Search(context.Background(), query.Query{
			Key: q.Vector, K: 10, NProbes: 8, RefineFactor: 10, Metric: core.L2, UseIndex: true,
		})
		require.NoError(t, err)
		require.Len(t, got, 10)
		total += recall(got, exactTopK(rows, q.Vector, core.L2, 10))
	}
	assert.GreaterOrEqual(t, total/float64(len(queries)), 0.9)
}

func TestBuildFailures(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, pqParams(8), clusteredRows(10, 16, 0, 2), nil)
	assert.ErrorIs(t, err, core.ErrInsufficientData)

	_, err = Build(ctx, pqParams(8), nil, nil)
	assert.ErrorIs(t, err, core.ErrInsufficientData)

	rows := clusteredRows(100, 16, 0, 2)
	rows[50].Vector = rows[50].Vector[:8]
	_, err = Build(ctx, pqParams(2), rows, nil)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	p := pqParams(2)
	p.Column = ""
	_, err = Build(ctx, p, clusteredRows(100, 16, 0, 2), nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	p = pqParams(2)
	p.Quantizer.NumSubvectors = 5
	_, err = Build(ctx, p, clusteredRows(100, 16, 0, 2), nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestInsertReusesCodebooks(t *testing.T) {
	ctx := context.Background()
	rows := clusteredRows(400, 16, 0, 3)
	store := storeWith(t, rows)
	idx, err := Build(ctx, pqParams(4), rows, store)
	require.NoError(t, err)
	before := idx.IVF().State()
	version := idx.Version()

	extra := clusteredRows(100, 16, 1000, 4)
	require.NoError(t, store.WriteVectors(ctx, column, extra))
	require.NoError(t, idx.Insert(ctx, extra))

	after := idx.IVF().State()
	assert.Equal(t, 500, idx.Len())
	assert.Equal(t, before.Centroids, after.Centroids)
	assert.Equal(t, before.Quantizer, after.Quantizer)
	assert.NotEqual(t, version, idx.Version())
	require.NoError(t, idx.Verify(ctx))

	err = idx.Insert(ctx, extra[:1])
	assert.Error(t, err)
	err = idx.Insert(ctx, []core.Row{{ID: 5000, Vector: []float32{1, 2}}})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Equal(t, 500, idx.Len())

	target := extra[42]
	got, err := idx.Search(ctx, query.Query{
		Key: target.Vector, K: 1, NProbes: 1, RefineFactor: 50, Metric: core.L2, UseIndex: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, target.ID, got[0].RowID)
	assert.Zero(t, got[0].Distance)
}

func TestInsertCancelledIsNotApplied(t *testing.T) {
	rows := clusteredRows(400, 16, 0, 6)
	extra := clusteredRows(60, 16, 1000, 7)
	store := storeWith(t, append(append([]core.Row{}, rows...), extra...))

	params := DefaultBuildParams(column, core.L2, 4)
	params.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	params.Seed = 3
	params.Workers = 4
	g := hnsw.DefaultConfig()
	g.Workers = 4
	params.Graph = &g
	idx, err := Build(context.Background(), params, rows, store)
	require.NoError(t, err)
	version := idx.Version()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, idx.Insert(ctx, extra), context.Canceled)
	assert.Equal(t, 400, idx.Len())
	assert.Equal(t, version, idx.Version())

	require.NoError(t, idx.Insert(context.Background(), extra))
	assert.Equal(t, 460, idx.Len())
	require.NoError(t, idx.Verify(context.Background()))
	for _, p := range idx.IVF().Partitions() {
		assert.Equal(t, p.Len(), p.Graph().Len())
	}

	target := extra[17]
	got, err := idx.Search(context.Background(), query.Query{
		Key: target.Vector, K: 1, NProbes: 1, Metric: core.L2, UseIndex: true, Ef: 128,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, target.ID, got[0].RowID)
}

func TestSearchHugeK(t *testing.T) {
	ctx := context.Background()
	rows := clusteredRows(200, 16, 0, 8)
	idx, err := Build(ctx, pqParams(4), rows, storeWith(t, rows))
	require.NoError(t, err)

	for _, refine := range []uint32{0, query.MaxRefineFactor} {
		got, err := idx.Search(ctx, query.Query{
			Key: rows[0].Vector, K: math.MaxInt32, NProbes: 4, RefineFactor: refine, Metric: core.L2, UseIndex: true,
		})
		require.NoError(t, err)
		assert.Len(t, got, 200)
	}
	got, err := idx.Search(ctx, query.Query{Key: rows[0].Vector, K: math.MaxInt32, NProbes: 4, Metric: core.L2})
	require.NoError(t, err)
	assert.Len(t, got, 200)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	rows := clusteredRows(600, 16, 0, 5)
	reader := storeWith(t, rows)

	p := pqParams(4)
	p.Quantizer.Kind = quantizer.Residual
	p.Transforms = []string{transform.KindRotation}
	g := hnsw.DefaultConfig()
	g.M = 8
	g.EfConstruction = 64
	p.Graph = &g
	idx, err := Build(ctx, p, rows, reader)
	require.NoError(t, err)

	badger, err := storage.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badger.Close() })

	backends := map[string]storage.MetadataStore{
		"memory":      storage.NewMemoryStore(),
		"memory+zstd": storage.NewCompressedStore(storage.NewMemoryStore(), storage.CompressionZSTD),
		"badger+lz4":  storage.NewCompressedStore(badger, storage.CompressionLZ4),
	}
	for name, meta := range backends {
		meta := meta
		t.Run(name, func(t *testing.T) {
			require.NoError(t, idx.Save(ctx, meta, "docs"))
			versions, err := Versions(ctx, meta, "docs")
			require.NoError(t, err)
			assert.Equal(t, []string{idx.Version()}, versions)

			loaded, err := Load(ctx, meta, "docs", reader)
			require.NoError(t, err)
			assert.Equal(t, idx.Version(), loaded.Version())
			assert.Equal(t, idx.Stats(), loaded.Stats())
			require.NoError(t, loaded.Verify(ctx))

			for _, q := range clusteredRows(5, 16, 0, 6) {
				req := query.Query{Key: q.Vector, K: 5, NProbes: 2, Ef: 40, Metric: core.L2, UseIndex: true}
				want, err := idx.Search(ctx, req)
				require.NoError(t, err)
				got, err := loaded.Search(ctx, req)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.Background(), storage.NewMemoryStore(), "nothing", nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestBuildFromStoreCosine(t *testing.T) {
	ctx := context.Background()
	rows := clusteredRows(300, 8, 0, 7)
	store, err := storage.OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.WriteVectors(ctx, column, rows))

	p := DefaultBuildParams(column, core.Cosine, 3)
	p.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	p.SampleSize = 200
	p.Seed = 8
	idx, err := BuildFromStore(ctx, p, store)
	require.NoError(t, err)
	assert.Equal(t, 300, idx.Len())
	assert.Equal(t, "cosine", idx.Stats().Distance)

	key := rows[17].Vector
	got, trace, err := idx.Explain(ctx, query.Query{
		Key: key, K: 10, NProbes: 3, Metric: core.Cosine, UseIndex: true,
	})
	require.NoError(t, err)
	assert.Len(t, trace.Partitions, 3)
	assert.Equal(t, rows[17].ID, got[0].RowID)
	assert.GreaterOrEqual(t, recall(got, exactTopK(rows, key, core.Cosine, 10)), 0.9)

	exact, err := idx.Search(ctx, query.Query{Key: key, K: 10, NProbes: 1, Metric: core.Cosine})
	require.NoError(t, err)
	assert.Equal(t, 1.0, recall(exact, exactTopK(rows, key, core.Cosine, 10)))
}
