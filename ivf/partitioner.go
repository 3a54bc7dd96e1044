// Package ivf partitions vectors by their nearest coarse centroid and keeps
// one independent code list, plus an optional graph, per partition.
package ivf

import (
	"context"
	"fmt"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/kmeans"
)

// Partitioner maps vectors to partition ids. Centroids are immutable once set.
type Partitioner struct {
	centroids [][]float32
	metric    core.Metric
	dim       int
}

// NewPartitioner wraps trained centroids.
func NewPartitioner(centroids [][]float32, metric core.Metric) (*Partitioner, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("%w: no centroids", core.ErrNotTrained)
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: %d", core.ErrUnknownMetric, int(metric))
	}
	dim := len(centroids[0])
	for i, c := range centroids {
		if err := core.CheckDimension(c, dim, fmt.Sprintf("centroid %d", i)); err != nil {
			return nil, err
		}
	}
	return &Partitioner{centroids: centroids, metric: metric, dim: dim}, nil
}

// Train learns n centroids from samples. cfg.K and cfg.Metric are overridden.
func Train(ctx context.Context, samples [][]float32, n int, metric core.Metric, cfg kmeans.Config) (*Partitioner, error) {
	cfg.K = n
	cfg.Metric = metric
	res, err := kmeans.Train(ctx, samples, cfg)
	if err != nil {
		return nil, fmt.Errorf("training %d partitions: %w", n, err)
	}
	return NewPartitioner(res.Centroids, metric)
}

func (p *Partitioner) Centroids() [][]float32 { return p.centroids }
func (p *Partitioner) Metric() core.Metric    { return p.metric }
func (p *Partitioner) Dim() int               { return p.dim }
func (p *Partitioner) NumPartitions() int     { return len(p.centroids) }

// Assign returns the nearest partition under the metric, lowest id on ties.
func (p *Partitioner) Assign(v []float32) (int, error) {
	if err := core.CheckDimension(v, p.dim, "assign"); err != nil {
		return 0, err
	}
	id, _ := kmeans.Assign(v, p.centroids, p.metric)
	return id, nil
}

// Nearest returns the n closest partitions, ordered by distance then id.
func (p *Partitioner) Nearest(v []float32, n int) ([]kmeans.Match, error) {
	if err := core.CheckDimension(v, p.dim, "query"); err != nil {
		return nil, err
	}
	return kmeans.Nearest(v, p.centroids, p.metric, n), nil
}
