package core

import (
	"fmt"
	"math"
	"strings"
)

// Metric identifies a distance function family.
type Metric int

const (
	// L2 is the squared Euclidean distance.
	L2 Metric = iota
	// Cosine is 1 - cos(a, b).
	Cosine
	// Dot is 1 - a·b.
	Dot
	// Hamming counts positions whose sign bit (value > 0) differs.
	Hamming
)

// Ordering tells whether smaller or larger distances rank first.
type Ordering int

const (
	LowerIsBetter Ordering = iota
	HigherIsBetter
)

// Metrics lists every supported metric.
var Metrics = []Metric{L2, Cosine, Dot, Hamming}

func (m Metric) String() string {
	switch m {
	case L2:
		return "l2"
	case Cosine:
		return "cosine"
	case Dot:
		return "dot"
	case Hamming:
		return "hamming"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	return m >= L2 && m <= Hamming
}

// ParseMetric maps a human-readable name to a Metric.
func ParseMetric(name string) (Metric, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "l2", "euclidean", "squared_euclidean":
		return L2, nil
	case "cosine":
		return Cosine, nil
	case "dot":
		return Dot, nil
	case "hamming":
		return Hamming, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
}

// DistanceFunc computes the distance between two vectors of equal length.
type DistanceFunc func(a, b []float32) float32

// OrderingOf returns the ranking direction of m. Every metric is expressed as a
// distance, so lower always ranks first.
func OrderingOf(m Metric) Ordering {
	return LowerIsBetter
}

// Better reports whether distance a ranks ahead of distance b under m.
func Better(m Metric, a, b float32) bool {
	if OrderingOf(m) == HigherIsBetter {
		return a > b
	}
	return a < b
}

// Worst returns the sentinel distance that every real distance beats under m.
func Worst(m Metric) float32 {
	if OrderingOf(m) == HigherIsBetter {
		return float32(math.Inf(-1))
	}
	return float32(math.Inf(1))
}

// Func returns the distance function for m.
func Func(m Metric) (DistanceFunc, error) {
	switch m {
	case L2:
		return SquaredEuclidean, nil
	case Cosine:
		return CosineDistance, nil
	case Dot:
		return DotDistance, nil
	case Hamming:
		return HammingDistance, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(m))
}

// Distance computes the distance between a and b under m.
// It panics on an unknown metric or mismatched lengths; callers validate first.
func Distance(m Metric, a, b []float32) float32 {
	f, err := Func(m)
	if err != nil {
		panic(err)
	}
	return f(a, b)
}

func checkLengths(a, b []float32) {
	if len(a) != len(b) {
		panic(fmt.Sprintf("vectors must have the same length: %d vs %d", len(a), len(b)))
	}
}

// SquaredEuclidean computes the squared Euclidean distance between two vectors.
func SquaredEuclidean(a, b []float32) float32 {
	checkLengths(a, b)
	var sum float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Euclidean computes the Euclidean (L2) distance between two vectors.
func Euclidean(a, b []float32) float32 {
	return float32(math.Sqrt(float64(SquaredEuclidean(a, b))))
}

// DotProduct computes a·b.
func DotProduct(a, b []float32) float32 {
	checkLengths(a, b)
	var sum float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// DotDistance computes 1 - a·b.
func DotDistance(a, b []float32) float32 {
	return 1 - DotProduct(a, b)
}

// CosineDistance computes 1 - cos(a, b). A zero vector is at distance 1 from everything.
func CosineDistance(a, b []float32) float32 {
	checkLengths(a, b)
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

// HammingDistance counts the dimensions whose sign bits (value > 0) differ.
func HammingDistance(a, b []float32) float32 {
	checkLengths(a, b)
	var n int
	for i := range a {
		if (a[i] > 0) != (b[i] > 0) {
			n++
		}
	}
	return float32(n)
}
