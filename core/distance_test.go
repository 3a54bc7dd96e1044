package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetric(t *testing.T) {
	cases := map[string]Metric{
		"l2":        L2,
		"Euclidean": L2,
		"cosine":    Cosine,
		" dot ":     Dot,
		"hamming":   Hamming,
	}
	for name, want := range cases {
		got, err := ParseMetric(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseMetric("manhattan")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestMetricString(t *testing.T) {
	for _, m := range Metrics {
		parsed, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	assert.False(t, Metric(42).Valid())
}

func TestSquaredEuclidean(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{1, 0, 3, 0, 0}
	assert.InDelta(t, 4+16+25, SquaredEuclidean(a, b), 1e-6)
	assert.InDelta(t, math.Sqrt(45), Euclidean(a, b), 1e-5)
	assert.Equal(t, float32(0), SquaredEuclidean(a, a))
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(1), CosineDistance([]float32{0, 0}, []float32{1, 1}))
}

func TestDotDistance(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 32, DotProduct(a, b), 1e-6)
	assert.InDelta(t, -31, DotDistance(a, b), 1e-6)
}

func TestHammingDistance(t *testing.T) {
	a := []float32{0.5, -1, 2, 0}
	b := []float32{0.1, 1, -2, 0}
	assert.Equal(t, float32(2), HammingDistance(a, b))
}

func TestDistanceLengthMismatchPanics(t *testing.T) {
	assert.Panics(t, func() { SquaredEuclidean([]float32{1}, []float32{1, 2}) })
}

func TestFuncUnknownMetric(t *testing.T) {
	_, err := Func(Metric(9))
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestBetterAndWorst(t *testing.T) {
	for _, m := range Metrics {
		assert.Equal(t, LowerIsBetter, OrderingOf(m))
		assert.True(t, Better(m, 0.1, 0.2))
		assert.True(t, Better(m, 1e30, Worst(m)))
	}
}

func TestSortNeighbors(t *testing.T) {
	ns := []Neighbor{{RowID: 3, Distance: 1}, {RowID: 1, Distance: 1}, {RowID: 2, Distance: 0.5}}
	SortNeighbors(L2, ns)
	assert.Equal(t, []Neighbor{{2, 0.5}, {1, 1}, {3, 1}}, ns)
}

func TestDimensionErrors(t *testing.T) {
	err := CheckDimension([]float32{1, 2}, 3, "query")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	var dm *DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	assert.NoError(t, CheckDimension([]float32{1, 2, 3}, 3, "query"))
}
