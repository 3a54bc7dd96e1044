package core

import (
	"math"
	"runtime"
	"sync"
)

// Norm returns the L2 norm of vec.
func Norm(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}

// NormalizeVector scales vec to unit L2 norm in place. Zero vectors are left unchanged.
func NormalizeVector(vec []float32) {
	n := Norm(vec)
	if n == 0 {
		return
	}
	inv := 1 / n
	for i := range vec {
		vec[i] *= inv
	}
}

// NormalizeBatch normalizes multiple vectors using a bounded set of goroutines.
func NormalizeBatch(vecs [][]float32) {
	if len(vecs) == 0 {
		return
	}
	workers := min(runtime.GOMAXPROCS(0), len(vecs))
	chunk := (len(vecs) + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < len(vecs); start += chunk {
		end := min(start+chunk, len(vecs))
		wg.Add(1)
		go func(part [][]float32) {
			defer wg.Done()
			for _, v := range part {
				NormalizeVector(v)
			}
		}(vecs[start:end])
	}
	wg.Wait()
}

// Clone returns a copy of vec.
func Clone(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}

// Sub computes a - b element-wise into a new slice.
func Sub(a, b []float32) []float32 {
	checkLengths(a, b)
	res := make([]float32, len(a))
	for i := range a {
		res[i] = a[i] - b[i]
	}
	return res
}

// AddInPlace adds b to a element-wise.
func AddInPlace(a, b []float32) {
	checkLengths(a, b)
	for i := range a {
		a[i] += b[i]
	}
}

// SplitVector splits vec into numParts contiguous equal-length views.
func SplitVector(vec []float32, numParts int) [][]float32 {
	subDim := len(vec) / numParts
	parts := make([][]float32, numParts)
	for i := 0; i < numParts; i++ {
		parts[i] = vec[i*subDim : (i+1)*subDim]
	}
	return parts
}
