package cmd

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/example"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeCSV(t *testing.T, n, dim int) (string, [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = make([]float32, dim)
		for j := range vecs[i] {
			vecs[i][j] = float32(rng.NormFloat64())
		}
	}
	path := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, example.WriteRows(path, vecs))
	return path, vecs
}

func formatVector(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ",")
}

func TestBuildSearchInfo(t *testing.T) {
	csvPath, vecs := writeCSV(t, 300, 8)
	db := t.TempDir()

	out, err := run(t, "build", "docs", "--db", db, "--csv", csvPath,
		"--partitions", "4", "--quantizer", "pq", "--subvectors", "4", "--centroids", "16", "--seed", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "300 rows, 4 partitions, pq codes of 4 bytes")

	out, err = run(t, "search", "docs", "--db", db, "--vector", formatVector(vecs[42]),
		"--k", "3", "--nprobes", "2", "--refine", "10", "--explain")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[0], "_distance")
	assert.True(t, strings.HasPrefix(lines[1], "42 "), lines[1])
	assert.Contains(t, out, "refine")

	out, err = run(t, "search", "docs", "--db", db, "--vector", formatVector(vecs[7]), "--k", "1", "--exact")
	require.NoError(t, err)
	assert.Contains(t, out, "\n7 ")

	out, err = run(t, "info", "docs", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 300")
	assert.Contains(t, out, "partitions: 4")
	assert.Contains(t, out, "quantizer: pq (4 bytes/row)")
}

func TestSearchErrors(t *testing.T) {
	csvPath, _ := writeCSV(t, 64, 4)
	db := t.TempDir()
	_, err := run(t, "build", "small", "--db", db, "--csv", csvPath,
		"--partitions", "2", "--quantizer", "flat", "--compression", "lz4")
	require.NoError(t, err)

	_, err = run(t, "search", "small", "--db", db, "--compression", "lz4", "--vector", "1,2")
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	_, err = run(t, "search", "small", "--db", db, "--compression", "lz4", "--vector", "1,2,3,4", "--nprobes", "3")
	assert.ErrorIs(t, err, core.ErrInvalidQueryParameter)

	_, err = run(t, "search", "missing", "--db", db, "--vector", "1,2,3,4")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)

	_, err = run(t, "search", "small", "--db", db, "--vector", "1,x")
	assert.Error(t, err)
}

func TestBuildRejectsBadFlags(t *testing.T) {
	_, err := run(t, "build", "x", "--db", t.TempDir(), "--metric", "manhattan")
	assert.ErrorIs(t, err, core.ErrUnknownMetric)

	_, err = run(t, "build", "x", "--db", t.TempDir(), "--quantizer", "opq")
	assert.ErrorIs(t, err, core.ErrUnknownQuantizer)
}

func TestInfoWithoutIndex(t *testing.T) {
	out, err := run(t, "info")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cpu: "))
}

func TestBenchGraphOnly(t *testing.T) {
	trainPath, vecs := writeCSV(t, 200, 6)
	dir := filepath.Dir(trainPath)
	require.NoError(t, example.WriteRows(filepath.Join(dir, "test.csv"), vecs[:4]))

	out, err := run(t, "bench", dir, "--graph-only", "--k", "3", "--queries", "4", "--threads", "1", "--seed", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 200 vectors (6 dimensions)")
	assert.Contains(t, out, "Average Recall@3 over 4 queries")
}
