package quantizer

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/kmeans"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ProductQuantizer splits vectors into M contiguous subvectors and encodes each
// as the index of its nearest codeword in that subspace's codebook of K entries.
// Codes are M bytes.
type ProductQuantizer struct {
	dim       int
	m         int
	k         int
	subDim    int
	metric    core.Metric
	codebooks []float32 // m * k * subDim
}

func validatePQ(cfg Config, metric core.Metric, dim int) error {
	if metric == core.Hamming {
		return fmt.Errorf("%w: product quantization does not support hamming", core.ErrInvalidConfig)
	}
	if cfg.NumSubvectors <= 0 || dim%cfg.NumSubvectors != 0 {
		return fmt.Errorf("%w: dimension %d is not divisible by %d subvectors", core.ErrInvalidConfig, dim, cfg.NumSubvectors)
	}
	if cfg.NumCentroids <= 0 || cfg.NumCentroids > MaxCentroids {
		return fmt.Errorf("%w: %d centroids per subspace, want 1..%d", core.ErrInvalidConfig, cfg.NumCentroids, MaxCentroids)
	}
	return nil
}

func trainPQ(ctx context.Context, cfg Config, metric core.Metric, samples [][]float32) (*ProductQuantizer, error) {
	dim := len(samples[0])
	if err := validatePQ(cfg, metric, dim); err != nil {
		return nil, err
	}
	if err := kmeans.CheckSamples(len(samples), cfg.NumCentroids); err != nil {
		return nil, err
	}

	pq := &ProductQuantizer{
		dim:       dim,
		m:         cfg.NumSubvectors,
		k:         cfg.NumCentroids,
		subDim:    dim / cfg.NumSubvectors,
		metric:    metric,
		codebooks: make([]float32, dim*cfg.NumCentroids),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for m := 0; m < pq.m; m++ {
		m := m
		g.Go(func() error {
			sub := make([][]float32, len(samples))
			for i, v := range samples {
				sub[i] = v[m*pq.subDim : (m+1)*pq.subDim]
			}
			kc := kmeans.DefaultConfig(pq.k)
			kc.MaxIters = cfg.KMeansIters
			kc.MaxSamplesPerCluster = cfg.MaxSamplesPerCluster
			kc.Seed = cfg.Seed + int64(m) + 1
			kc.Workers = 1
			res, err := kmeans.Train(ctx, sub, kc)
			if err != nil {
				return fmt.Errorf("training subspace %d: %w", m, err)
			}
			for c, centroid := range res.Centroids {
				copy(pq.codeword(m, c), centroid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debug().
		Int("dim", dim).
		Int("subvectors", pq.m).
		Int("centroids", pq.k).
		Int("samples", len(samples)).
		Msg("product quantizer trained")
	return pq, nil
}

func pqFromState(s State) (*ProductQuantizer, error) {
	if s.M <= 0 || s.Dim%s.M != 0 || len(s.Codebooks) != s.Dim*s.K {
		return nil, fmt.Errorf("%w: product quantizer state dim=%d m=%d k=%d codebooks=%d",
			core.ErrInvalidConfig, s.Dim, s.M, s.K, len(s.Codebooks))
	}
	return &ProductQuantizer{
		dim:       s.Dim,
		m:         s.M,
		k:         s.K,
		subDim:    s.Dim / s.M,
		metric:    s.Metric,
		codebooks: s.Codebooks,
	}, nil
}

func (pq *ProductQuantizer) codeword(m, c int) []float32 {
	off := (m*pq.k + c) * pq.subDim
	return pq.codebooks[off : off+pq.subDim]
}

func (pq *ProductQuantizer) Kind() Kind          { return PQ }
func (pq *ProductQuantizer) Dim() int            { return pq.dim }
func (pq *ProductQuantizer) Metric() core.Metric { return pq.metric }
func (pq *ProductQuantizer) CodeSize() int       { return pq.m }

// NumSubvectors returns M.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.m }

// NumCentroids returns K.
func (pq *ProductQuantizer) NumCentroids() int { return pq.k }

func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if err := core.CheckDimension(v, pq.dim, "pq encode"); err != nil {
		return nil, err
	}
	code := make([]byte, pq.m)
	for m := 0; m < pq.m; m++ {
		sub := v[m*pq.subDim : (m+1)*pq.subDim]
		best, bestDist := 0, float32(math.Inf(1))
		for c := 0; c < pq.k; c++ {
			if d := core.SquaredEuclidean(sub, pq.codeword(m, c)); d < bestDist {
				best, bestDist = c, d
			}
		}
		code[m] = byte(best)
	}
	return code, nil
}

func (pq *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if err := checkCode(code, pq.m); err != nil {
		return nil, err
	}
	v := make([]float32, 0, pq.dim)
	for m, c := range code {
		if int(c) >= pq.k {
			return nil, fmt.Errorf("%w: sub-code %d out of range at subvector %d", core.ErrInvalidConfig, c, m)
		}
		v = append(v, pq.codeword(m, int(c))...)
	}
	return v, nil
}

// table builds the per-query lookup table: entry m*K+c is the L2 sub-distance
// or the sub-dot-product between the query subvector m and codeword c.
func (pq *ProductQuantizer) table(query []float32) []float32 {
	t := make([]float32, pq.m*pq.k)
	for m := 0; m < pq.m; m++ {
		sub := query[m*pq.subDim : (m+1)*pq.subDim]
		for c := 0; c < pq.k; c++ {
			if pq.metric == core.L2 {
				t[m*pq.k+c] = core.SquaredEuclidean(sub, pq.codeword(m, c))
			} else {
				t[m*pq.k+c] = core.DotProduct(sub, pq.codeword(m, c))
			}
		}
	}
	return t
}

// Scorer sums table entries. For L2 the sum equals the squared distance to the
// decoded vector; for dot and cosine the distance is 1 minus the summed
// sub-products. Cosine assumes unit-length inputs.
func (pq *ProductQuantizer) Scorer(query []float32) (Scorer, error) {
	if err := core.CheckDimension(query, pq.dim, "query"); err != nil {
		return nil, err
	}
	return &pqScorer{table: pq.table(query), k: pq.k, l2: pq.metric == core.L2}, nil
}

func (pq *ProductQuantizer) ForPartition(int) (Quantizer, error) { return pq, nil }

func (pq *ProductQuantizer) State() State {
	return State{Kind: PQ, Dim: pq.dim, Metric: pq.metric, M: pq.m, K: pq.k, Codebooks: pq.codebooks}
}

type pqScorer struct {
	table  []float32
	k      int
	l2     bool
	offset float32 // constant added to the dot sum, used by residual views
}

func (s *pqScorer) Distance(code []byte) float32 {
	var sum float32
	for m, c := range code {
		sum += s.table[m*s.k+int(c)]
	}
	if s.l2 {
		return sum
	}
	return 1 - (s.offset + sum)
}
