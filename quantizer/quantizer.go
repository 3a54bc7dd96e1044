// Package quantizer encodes vectors into fixed-width codes and scores raw
// query vectors against those codes without decoding them.
package quantizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/kmeans"
)

// Kind tags the quantizer variant stored with an index.
type Kind int

const (
	Flat Kind = iota
	PQ
	Residual
	BQ
)

func (k Kind) String() string {
	switch k {
	case Flat:
		return "flat"
	case PQ:
		return "pq"
	case Residual:
		return "residual"
	case BQ:
		return "bq"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseKind maps a name such as "pq" to a Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "flat", "none":
		return Flat, nil
	case "pq":
		return PQ, nil
	case "residual", "ivf_pq":
		return Residual, nil
	case "bq", "binary":
		return BQ, nil
	}
	return 0, fmt.Errorf("%w: %q", core.ErrUnknownQuantizer, name)
}

// MaxCentroids bounds K so that every sub-code fits in one byte.
const MaxCentroids = 256

// Config selects and parameterizes a quantizer.
type Config struct {
	Kind Kind
	// NumSubvectors is M for PQ and Residual. The dimension must be divisible by it.
	NumSubvectors int
	// NumCentroids is K for PQ and Residual, at most MaxCentroids.
	NumCentroids         int
	KMeansIters          int
	MaxSamplesPerCluster int
	Seed                 int64
}

// DefaultConfig returns the usual parameters for kind.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:                 kind,
		NumSubvectors:        8,
		NumCentroids:         MaxCentroids,
		KMeansIters:          25,
		MaxSamplesPerCluster: kmeans.DefaultMaxSamplesPerCluster,
	}
}

// Quantizer is the capability shared by every variant.
type Quantizer interface {
	Kind() Kind
	Dim() int
	Metric() core.Metric
	// CodeSize is the fixed byte length of every code.
	CodeSize() int
	Encode(v []float32) ([]byte, error)
	Decode(code []byte) ([]float32, error)
	// Scorer prepares per-query state for asymmetric distance computation.
	Scorer(query []float32) (Scorer, error)
	// ForPartition returns the quantizer used for codes stored in partition id.
	// Only Residual returns a different value.
	ForPartition(id int) (Quantizer, error)
	State() State
}

// Scorer computes the distance between one prepared query and encoded codes.
// A Scorer is not safe for concurrent use.
type Scorer interface {
	Distance(code []byte) float32
}

// State is the persisted form of a trained quantizer.
type State struct {
	Kind       Kind
	Dim        int
	Metric     core.Metric
	M          int
	K          int
	Codebooks  []float32 // M*K*(Dim/M), subspace-major
	Thresholds []float32
	Low        []float32
	High       []float32
	Centroids  [][]float32
}

// Train fits a quantizer of cfg.Kind on samples. Residual quantizers need
// the coarse centroids the samples are assigned against; other kinds ignore them.
func Train(ctx context.Context, cfg Config, metric core.Metric, samples [][]float32, centroids [][]float32) (Quantizer, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %d", core.ErrUnknownMetric, int(metric))
	}
	if len(samples) == 0 {
		if cfg.Kind == Flat {
			return nil, fmt.Errorf("%w: flat quantizer needs a sample to fix its dimension", core.ErrInsufficientData)
		}
		return nil, &core.InsufficientDataError{Samples: 0, Required: 1, Clusters: max(cfg.NumCentroids, 1)}
	}
	dim := len(samples[0])
	for i, s := range samples {
		if err := core.CheckDimension(s, dim, fmt.Sprintf("training sample %d", i)); err != nil {
			return nil, err
		}
	}

	switch cfg.Kind {
	case Flat:
		return NewFlat(dim, metric), nil
	case PQ:
		return trainPQ(ctx, cfg, metric, samples)
	case Residual:
		return trainResidual(ctx, cfg, metric, samples, centroids)
	case BQ:
		return trainBQ(metric, samples), nil
	}
	return nil, fmt.Errorf("%w: %d", core.ErrUnknownQuantizer, int(cfg.Kind))
}

// FromState restores a trained quantizer.
func FromState(s State) (Quantizer, error) {
	switch s.Kind {
	case Flat:
		return NewFlat(s.Dim, s.Metric), nil
	case PQ:
		return pqFromState(s)
	case Residual:
		pq, err := pqFromState(s)
		if err != nil {
			return nil, err
		}
		return &ResidualQuantizer{pq: pq, centroids: s.Centroids}, nil
	case BQ:
		if len(s.Thresholds) != s.Dim || len(s.Low) != s.Dim || len(s.High) != s.Dim {
			return nil, fmt.Errorf("%w: binary quantizer state for dim %d", core.ErrInvalidConfig, s.Dim)
		}
		return &BinaryQuantizer{dim: s.Dim, metric: s.Metric, thresholds: s.Thresholds, low: s.Low, high: s.High}, nil
	}
	return nil, fmt.Errorf("%w: %d", core.ErrUnknownQuantizer, int(s.Kind))
}

// CompressionRatio is raw float32 bytes per vector divided by code bytes.
func CompressionRatio(q Quantizer) float64 {
	return float64(q.Dim()*4) / float64(q.CodeSize())
}

// ReconstructionError returns the mean squared L2 error of decode(encode(v)).
// partitions gives the partition of each vector and may be nil, meaning 0.
func ReconstructionError(q Quantizer, vectors [][]float32, partitions []int) (float64, error) {
	if len(vectors) == 0 {
		return 0, nil
	}
	var total float64
	for i, v := range vectors {
		part := 0
		if partitions != nil {
			part = partitions[i]
		}
		view, err := q.ForPartition(part)
		if err != nil {
			return 0, err
		}
		code, err := view.Encode(v)
		if err != nil {
			return 0, err
		}
		approx, err := view.Decode(code)
		if err != nil {
			return 0, err
		}
		total += float64(core.SquaredEuclidean(v, approx))
	}
	return total / float64(len(vectors)), nil
}

func checkCode(code []byte, size int) error {
	if len(code) != size {
		return fmt.Errorf("%w: code has %d bytes, want %d", core.ErrInvalidConfig, len(code), size)
	}
	return nil
}

// CodeDistance compares two codes produced by q on the scale of q's Scorer:
// Hamming for BQ, the metric on decoded vectors for Flat, and the additive
// L2 or 1-dot form for PQ and Residual.
func CodeDistance(q Quantizer, a, b []byte) (float32, error) {
	if q.Kind() == BQ {
		return hammingScorer(a).Distance(b), nil
	}
	va, err := q.Decode(a)
	if err != nil {
		return 0, err
	}
	vb, err := q.Decode(b)
	if err != nil {
		return 0, err
	}
	switch {
	case q.Kind() == Flat:
		return core.Distance(q.Metric(), va, vb), nil
	case q.Metric() == core.L2:
		return core.SquaredEuclidean(va, vb), nil
	default:
		return core.DotDistance(va, vb), nil
	}
}
