package quantizer

import (
	"context"
	"fmt"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/kmeans"
)

// ResidualQuantizer applies product quantization to v - c, where c is the
// IVF centroid v is assigned to. Codes are only meaningful together with
// their partition, so encoding goes through ForPartition.
type ResidualQuantizer struct {
	pq        *ProductQuantizer
	centroids [][]float32
}

func trainResidual(ctx context.Context, cfg Config, metric core.Metric, samples [][]float32, centroids [][]float32) (*ResidualQuantizer, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("%w: residual quantizer needs coarse centroids", core.ErrNotTrained)
	}
	dim := len(samples[0])
	for i, c := range centroids {
		if err := core.CheckDimension(c, dim, fmt.Sprintf("centroid %d", i)); err != nil {
			return nil, err
		}
	}
	if err := validatePQ(cfg, metric, dim); err != nil {
		return nil, err
	}
	residuals := make([][]float32, len(samples))
	for i, v := range samples {
		part, _ := kmeans.Assign(v, centroids, metric)
		residuals[i] = core.Sub(v, centroids[part])
	}
	pq, err := trainPQ(ctx, cfg, metric, residuals)
	if err != nil {
		return nil, err
	}
	return &ResidualQuantizer{pq: pq, centroids: centroids}, nil
}

func errUnbound() error {
	return fmt.Errorf("%w: residual codes need a partition", core.ErrInvalidConfig)
}

func (r *ResidualQuantizer) Kind() Kind                       { return Residual }
func (r *ResidualQuantizer) Dim() int                         { return r.pq.dim }
func (r *ResidualQuantizer) Metric() core.Metric              { return r.pq.metric }
func (r *ResidualQuantizer) CodeSize() int                    { return r.pq.m }
func (r *ResidualQuantizer) Encode([]float32) ([]byte, error) { return nil, errUnbound() }
func (r *ResidualQuantizer) Decode([]byte) ([]float32, error) { return nil, errUnbound() }
func (r *ResidualQuantizer) Scorer([]float32) (Scorer, error) { return nil, errUnbound() }

func (r *ResidualQuantizer) ForPartition(id int) (Quantizer, error) {
	if id < 0 || id >= len(r.centroids) {
		return nil, fmt.Errorf("%w: partition %d of %d", core.ErrInvalidConfig, id, len(r.centroids))
	}
	return &residualView{parent: r, partition: id, centroid: r.centroids[id]}, nil
}

func (r *ResidualQuantizer) State() State {
	s := r.pq.State()
	s.Kind = Residual
	s.Centroids = r.centroids
	return s
}

// residualView is the residual quantizer bound to one partition centroid.
type residualView struct {
	parent    *ResidualQuantizer
	partition int
	centroid  []float32
}

func (v *residualView) Kind() Kind          { return Residual }
func (v *residualView) Dim() int            { return v.parent.Dim() }
func (v *residualView) Metric() core.Metric { return v.parent.Metric() }
func (v *residualView) CodeSize() int       { return v.parent.CodeSize() }
func (v *residualView) State() State        { return v.parent.State() }

func (v *residualView) ForPartition(id int) (Quantizer, error) { return v.parent.ForPartition(id) }

func (v *residualView) Encode(x []float32) ([]byte, error) {
	if err := core.CheckDimension(x, v.Dim(), fmt.Sprintf("residual encode, partition %d", v.partition)); err != nil {
		return nil, err
	}
	return v.parent.pq.Encode(core.Sub(x, v.centroid))
}

func (v *residualView) Decode(code []byte) ([]float32, error) {
	r, err := v.parent.pq.Decode(code)
	if err != nil {
		return nil, err
	}
	core.AddInPlace(r, v.centroid)
	return r, nil
}

// Scorer uses ||q-(c+r)||² = ||(q-c)-r||² for L2 and q·(c+r) = q·c + q·r for
// dot and cosine.
func (v *residualView) Scorer(query []float32) (Scorer, error) {
	if err := core.CheckDimension(query, v.Dim(), "query"); err != nil {
		return nil, err
	}
	pq := v.parent.pq
	if pq.metric == core.L2 {
		return &pqScorer{table: pq.table(core.Sub(query, v.centroid)), k: pq.k, l2: true}, nil
	}
	return &pqScorer{table: pq.table(query), k: pq.k, offset: core.DotProduct(query, v.centroid)}, nil
}
