package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeVector(t *testing.T) {
	v := []float32{3, 4}
	NormalizeVector(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	NormalizeVector(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestNormalizeBatch(t *testing.T) {
	vecs := make([][]float32, 100)
	for i := range vecs {
		vecs[i] = []float32{float32(i + 1), 0, float32(i)}
	}
	NormalizeBatch(vecs)
	for _, v := range vecs {
		assert.InDelta(t, 1, Norm(v), 1e-5)
	}
}

func TestSubAddSplit(t *testing.T) {
	a := []float32{5, 6, 7, 8}
	b := []float32{1, 2, 3, 4}
	d := Sub(a, b)
	assert.Equal(t, []float32{4, 4, 4, 4}, d)
	AddInPlace(d, b)
	assert.Equal(t, a, d)

	parts := SplitVector(a, 2)
	assert.Equal(t, [][]float32{{5, 6}, {7, 8}}, parts)

	c := Clone(a)
	c[0] = 0
	assert.Equal(t, float32(5), a[0])
}

func TestDetectCPUFeatures(t *testing.T) {
	f := DetectCPUFeatures()
	assert.NotEmpty(t, f.Arch)
}
