package index

import (
	"fmt"
	"io"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/kmeans"
	"github.com/patrikhermansson/colann/quantizer"
)

// Column names of the persisted index layout.
const (
	PQCodeColumn   = "__pq_code"
	PartIDColumn   = "__ivf_part_id"
	DistanceColumn = "_distance"
	ResidualColumn = "__residual_vector"
)

// BuildParams is the build protocol record.
type BuildParams struct {
	Column        string
	Metric        core.Metric
	NumPartitions int
	Quantizer     quantizer.Config
	// Graph builds a graph inside every partition when set.
	Graph *hnsw.Config
	// Transforms are applied after the metric's own transforms, see transform.ForMetric.
	Transforms []string
	// KMeans tunes partition training. K and Metric are taken from the fields above.
	KMeans kmeans.Config
	// SampleSize caps the rows used for training. Zero uses every row.
	SampleSize int
	Seed       int64
	Workers    int
	// Progress receives a progress bar while rows are indexed.
	Progress io.Writer
}

// DefaultBuildParams returns an IVF-PQ configuration for column.
func DefaultBuildParams(column string, metric core.Metric, partitions int) BuildParams {
	return BuildParams{
		Column:        column,
		Metric:        metric,
		NumPartitions: partitions,
		Quantizer:     quantizer.DefaultConfig(quantizer.PQ),
		KMeans:        kmeans.DefaultConfig(partitions),
	}
}

func (p BuildParams) validate() error {
	if p.Column == "" {
		return fmt.Errorf("%w: column is required", core.ErrInvalidConfig)
	}
	if !p.Metric.Valid() {
		return fmt.Errorf("%w: %d", core.ErrUnknownMetric, int(p.Metric))
	}
	if p.NumPartitions < 1 {
		return fmt.Errorf("%w: partition count must be at least 1, got %d", core.ErrInvalidConfig, p.NumPartitions)
	}
	if p.SampleSize < 0 {
		return fmt.Errorf("%w: negative sample size %d", core.ErrInvalidConfig, p.SampleSize)
	}
	return nil
}
