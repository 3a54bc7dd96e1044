package quantizer

import (
	"math/bits"

	"github.com/patrikhermansson/colann/core"
)

// BinaryQuantizer keeps one bit per dimension: set when the value exceeds the
// learned per-dimension threshold. Decode maps each bit to the mean of the
// training values on that side of the threshold.
type BinaryQuantizer struct {
	dim        int
	metric     core.Metric
	thresholds []float32
	low        []float32
	high       []float32
}

// trainBQ learns per-dimension means as thresholds. Under Hamming the
// threshold is pinned to zero so codes match the metric's sign bits exactly.
func trainBQ(metric core.Metric, samples [][]float32) *BinaryQuantizer {
	dim := len(samples[0])
	b := &BinaryQuantizer{
		dim:        dim,
		metric:     metric,
		thresholds: make([]float32, dim),
		low:        make([]float32, dim),
		high:       make([]float32, dim),
	}
	if metric != core.Hamming {
		for i := 0; i < dim; i++ {
			var sum float64
			for _, v := range samples {
				sum += float64(v[i])
			}
			b.thresholds[i] = float32(sum / float64(len(samples)))
		}
	}
	for i := 0; i < dim; i++ {
		var lo, hi float64
		var nlo, nhi int
		for _, v := range samples {
			if v[i] > b.thresholds[i] {
				hi += float64(v[i])
				nhi++
			} else {
				lo += float64(v[i])
				nlo++
			}
		}
		b.low[i], b.high[i] = b.thresholds[i], b.thresholds[i]
		if nlo > 0 {
			b.low[i] = float32(lo / float64(nlo))
		}
		if nhi > 0 {
			b.high[i] = float32(hi / float64(nhi))
		}
	}
	return b
}

func (b *BinaryQuantizer) Kind() Kind          { return BQ }
func (b *BinaryQuantizer) Dim() int            { return b.dim }
func (b *BinaryQuantizer) Metric() core.Metric { return b.metric }
func (b *BinaryQuantizer) CodeSize() int       { return (b.dim + 7) / 8 }

// Thresholds returns the learned per-dimension cut points.
func (b *BinaryQuantizer) Thresholds() []float32 { return b.thresholds }

func (b *BinaryQuantizer) Encode(v []float32) ([]byte, error) {
	if err := core.CheckDimension(v, b.dim, "bq encode"); err != nil {
		return nil, err
	}
	code := make([]byte, b.CodeSize())
	for i, x := range v {
		if x > b.thresholds[i] {
			code[i/8] |= 1 << (i % 8)
		}
	}
	return code, nil
}

func (b *BinaryQuantizer) Decode(code []byte) ([]float32, error) {
	if err := checkCode(code, b.CodeSize()); err != nil {
		return nil, err
	}
	v := make([]float32, b.dim)
	for i := range v {
		if code[i/8]&(1<<(i%8)) != 0 {
			v[i] = b.high[i]
		} else {
			v[i] = b.low[i]
		}
	}
	return v, nil
}

// Scorer returns the Hamming distance between the query's bits and a code,
// whatever the index metric.
func (b *BinaryQuantizer) Scorer(query []float32) (Scorer, error) {
	qc, err := b.Encode(query)
	if err != nil {
		return nil, err
	}
	return hammingScorer(qc), nil
}

func (b *BinaryQuantizer) ForPartition(int) (Quantizer, error) { return b, nil }

func (b *BinaryQuantizer) State() State {
	return State{Kind: BQ, Dim: b.dim, Metric: b.metric, Thresholds: b.thresholds, Low: b.low, High: b.high}
}

type hammingScorer []byte

func (s hammingScorer) Distance(code []byte) float32 {
	var n int
	for i, c := range code {
		n += bits.OnesCount8(s[i] ^ c)
	}
	return float32(n)
}
