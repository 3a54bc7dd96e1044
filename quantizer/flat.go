package quantizer

import (
	"encoding/binary"
	"math"

	"github.com/patrikhermansson/colann/core"
)

// FlatQuantizer stores vectors verbatim as little-endian float32.
type FlatQuantizer struct {
	dim    int
	metric core.Metric
}

// NewFlat returns a quantizer that stores raw float32 vectors.
func NewFlat(dim int, metric core.Metric) *FlatQuantizer {
	return &FlatQuantizer{dim: dim, metric: metric}
}

func (f *FlatQuantizer) Kind() Kind          { return Flat }
func (f *FlatQuantizer) Dim() int            { return f.dim }
func (f *FlatQuantizer) Metric() core.Metric { return f.metric }
func (f *FlatQuantizer) CodeSize() int       { return f.dim * 4 }

func (f *FlatQuantizer) Encode(v []float32) ([]byte, error) {
	if err := core.CheckDimension(v, f.dim, "flat encode"); err != nil {
		return nil, err
	}
	code := make([]byte, f.CodeSize())
	for i, x := range v {
		binary.LittleEndian.PutUint32(code[i*4:], math.Float32bits(x))
	}
	return code, nil
}

func (f *FlatQuantizer) Decode(code []byte) ([]float32, error) {
	if err := checkCode(code, f.CodeSize()); err != nil {
		return nil, err
	}
	v := make([]float32, f.dim)
	decodeFloats(code, v)
	return v, nil
}

func decodeFloats(code []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(code[i*4:]))
	}
}

func (f *FlatQuantizer) Scorer(query []float32) (Scorer, error) {
	if err := core.CheckDimension(query, f.dim, "query"); err != nil {
		return nil, err
	}
	dist, err := core.Func(f.metric)
	if err != nil {
		return nil, err
	}
	return &flatScorer{query: query, dist: dist, buf: make([]float32, f.dim)}, nil
}

func (f *FlatQuantizer) ForPartition(int) (Quantizer, error) { return f, nil }

func (f *FlatQuantizer) State() State {
	return State{Kind: Flat, Dim: f.dim, Metric: f.metric}
}

type flatScorer struct {
	query []float32
	dist  core.DistanceFunc
	buf   []float32
}

func (s *flatScorer) Distance(code []byte) float32 {
	decodeFloats(code, s.buf)
	return s.dist(s.query, s.buf)
}
