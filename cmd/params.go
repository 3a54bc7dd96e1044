package cmd

import (
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/kmeans"
	"github.com/patrikhermansson/colann/quantizer"
)

// buildFlags mirrors index.BuildParams on the command line.
type buildFlags struct {
	column     string
	metric     string
	partitions int
	quantizer  string
	subvectors int
	centroids  int
	graph      bool
	graphM     int
	efBuild    int
	transforms []string
	sample     int
	iters      int
	seed       int64
	workers    int
}

func (b *buildFlags) register(cmd *cobra.Command) {
	g := hnsw.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&b.column, "column", "vec", "vector column name")
	f.StringVar(&b.metric, "metric", "l2", "distance metric: l2, cosine, dot or hamming")
	f.IntVar(&b.partitions, "partitions", 16, "number of IVF partitions")
	f.StringVar(&b.quantizer, "quantizer", "pq", "quantizer: flat, pq, residual or bq")
	f.IntVar(&b.subvectors, "subvectors", 8, "PQ sub-vectors; must divide the dimension")
	f.IntVar(&b.centroids, "centroids", quantizer.MaxCentroids, "PQ centroids per sub-vector")
	f.BoolVar(&b.graph, "graph", false, "build a graph inside every partition")
	f.IntVar(&b.graphM, "graph-m", g.M, "graph degree")
	f.IntVar(&b.efBuild, "ef-construction", g.EfConstruction, "graph construction breadth")
	f.StringSliceVar(&b.transforms, "transform", nil, "extra transforms: normalize, rotation")
	f.IntVar(&b.sample, "sample", 0, "rows used for training, 0 for all")
	f.IntVar(&b.iters, "iters", kmeans.DefaultMaxIters, "k-means iterations")
	f.Int64Var(&b.seed, "seed", 0, "random seed, 0 reads COLANN_SEED")
	f.IntVar(&b.workers, "workers", 0, "parallel workers, 0 for GOMAXPROCS")
}

func (b *buildFlags) params() (index.BuildParams, error) {
	metric, err := core.ParseMetric(b.metric)
	if err != nil {
		return index.BuildParams{}, err
	}
	kind, err := quantizer.ParseKind(b.quantizer)
	if err != nil {
		return index.BuildParams{}, err
	}
	p := index.DefaultBuildParams(b.column, metric, b.partitions)
	p.Quantizer = quantizer.DefaultConfig(kind)
	p.Quantizer.NumSubvectors = b.subvectors
	p.Quantizer.NumCentroids = b.centroids
	p.KMeans.MaxIters = b.iters
	p.Transforms = b.transforms
	p.SampleSize = b.sample
	p.Seed = b.seed
	p.Workers = b.workers
	if b.graph {
		g := hnsw.DefaultConfig()
		g.M = b.graphM
		g.EfConstruction = b.efBuild
		g.Seed = b.seed
		p.Graph = &g
	}
	return p, nil
}
