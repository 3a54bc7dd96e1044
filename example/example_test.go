package example

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/quantizer"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
		for j := range out[i] {
			out[i][j] = float32(rng.NormFloat64())
		}
	}
	return out
}

func writeDataset(t *testing.T, train, test [][]float32) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, WriteRows(filepath.Join(dir, "train.csv"), train))
	require.NoError(t, WriteRows(filepath.Join(dir, "test.csv"), test))
	return dir
}

func TestLoadDatasetWithoutGroundTruth(t *testing.T) {
	train := randomVectors(50, 4, 1)
	dir := writeDataset(t, train, randomVectors(5, 4, 2))

	ds, err := LoadDataset(dir)
	require.NoError(t, err)
	assert.Len(t, ds.Train, 50)
	assert.Len(t, ds.Test, 5)
	assert.False(t, ds.HasGroundTruth())
	assert.Equal(t, uint64(7), ds.Train[7].ID)
	assert.Equal(t, train[7], ds.Train[7].Vector)
}

func TestLoadDatasetWithGroundTruth(t *testing.T) {
	dir := writeDataset(t, randomVectors(10, 2, 3), randomVectors(2, 2, 4))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "neighbors.csv"), []byte("1,2\n3,4\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "distances.csv"), []byte("0.5,0.6\n0.1,0.2\n"), 0o644))

	ds, err := LoadDataset(dir)
	require.NoError(t, err)
	assert.True(t, ds.HasGroundTruth())
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, ds.Neighbors)
	assert.Equal(t, [][]float64{{0.5, 0.6}, {0.1, 0.2}}, ds.Distances)
}

func TestLoadDatasetBadCell(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.csv"), []byte("1,2\n3,x\n"), 0o644))
	_, err := LoadDataset(dir)
	assert.ErrorContains(t, err, "line 2")
}

func TestRecallAtK(t *testing.T) {
	pred := []core.Neighbor{{RowID: 1}, {RowID: 2}, {RowID: 9}}
	assert.InDelta(t, 2.0/3.0, RecallAtK(pred, []int{1, 2, 3}, 3), 1e-9)
	assert.InDelta(t, 1.0, RecallAtK(pred, []int{1, 2, 3, 4}, 2), 1e-9)
	assert.Zero(t, RecallAtK(pred, nil, 3))
	assert.Zero(t, RecallAtK(pred, []int{1}, 0))
}

func TestGroundTruth(t *testing.T) {
	train := []core.Row{
		{ID: 0, Vector: []float32{0, 0}},
		{ID: 1, Vector: []float32{1, 0}},
		{ID: 2, Vector: []float32{3, 0}},
	}
	nbrs, dists, err := GroundTruth(context.Background(), train, [][]float32{{2.9, 0}}, core.L2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2, 1}}, nbrs)
	assert.InDelta(t, 0.01, dists[0][0], 1e-5)
}

func TestRunDatasetFlatIsExact(t *testing.T) {
	train := randomVectors(400, 8, 5)
	ds, err := LoadDataset(writeDataset(t, train, randomVectors(10, 8, 6)))
	require.NoError(t, err)

	params := index.DefaultBuildParams("vec", core.L2, 4)
	params.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	params.Seed = 3

	var out bytes.Buffer
	report, err := RunDataset(context.Background(), params, ds, RunConfig{
		K: 5, NumQueries: 3, MaxResults: 3, NProbes: 4, Threads: 2, Out: &out,
	})
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	assert.InDelta(t, 1.0, report.AvgRecall, 1e-9)
	assert.Equal(t, 400, report.Stats.Count)
	assert.Contains(t, out.String(), "Query #3")
	assert.Contains(t, out.String(), "Average Recall@5 over 3 queries: 1.00")
}

func TestRunDatasetGraphOnly(t *testing.T) {
	train := randomVectors(300, 8, 7)
	ds, err := LoadDataset(writeDataset(t, train, randomVectors(10, 8, 8)))
	require.NoError(t, err)

	params := index.DefaultBuildParams("vec", core.L2, 4)
	params.Seed = 3
	params.Workers = 2

	report, err := RunDataset(context.Background(), params, ds, RunConfig{
		K: 5, NumQueries: -1, NProbes: 1, Ef: 100, Threads: 2, GraphOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 300, report.Stats.Count)
	assert.True(t, report.Stats.Graph)
	assert.Equal(t, 1, report.Stats.Partitions)
	assert.Len(t, report.Results, 10)
	assert.GreaterOrEqual(t, report.AvgRecall, 0.9)
}

func TestBenchThreads(t *testing.T) {
	t.Setenv(BenchThreadsEnv, "4")
	assert.Equal(t, 4, BenchThreads())
	t.Setenv(BenchThreadsEnv, "zero")
	assert.Equal(t, 1, BenchThreads())
}
