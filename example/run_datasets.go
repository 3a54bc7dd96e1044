package example

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
)

// BenchThreadsEnv names the variable holding the number of query workers.
const BenchThreadsEnv = "COLANN_BENCH_THREADS"

// BenchThreads reads BenchThreadsEnv, defaulting to 1.
func BenchThreads() int {
	if env := os.Getenv(BenchThreadsEnv); env != "" {
		if t, err := strconv.Atoi(env); err == nil && t > 0 {
			return t
		}
		log.Warn().Msgf("Ignoring invalid %s=%q", BenchThreadsEnv, env)
	}
	return 1
}

// RunConfig controls the queries of a dataset run.
type RunConfig struct {
	K int
	// NumQueries < 0 or beyond the test set runs every query in benchmark
	// mode: a progress bar instead of per-query output.
	NumQueries   int
	MaxResults   int
	NProbes      int
	RefineFactor uint32
	Ef           int
	Threads      int
	// GraphOnly indexes the whole train set in one graph over raw vectors
	// instead of building partitions. Only the metric, graph and worker
	// settings of the build parameters apply.
	GraphOnly bool
	Out       io.Writer
}

// QueryResult holds the outcome of a single query.
type QueryResult struct {
	Index     int
	Recall    float64
	Duration  time.Duration
	Predicted []core.Neighbor
}

// Report summarizes a dataset run.
type Report struct {
	Dataset    string
	Stats      core.IndexStats
	BuildTime  time.Duration
	AvgRecall  float64
	AvgLatency time.Duration
	Total      time.Duration
	Results    []QueryResult
}

// RunDataset builds an index over ds.Train and runs the test queries
// against it, measuring recall@k against the ground truth. Ground truth is
// computed by brute force when the dataset has none.
func RunDataset(ctx context.Context, params index.BuildParams, ds *Dataset, cfg RunConfig) (*Report, error) {
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	overallStart := time.Now()

	var (
		search searchFunc
		report *Report
		err    error
	)
	if cfg.GraphOnly {
		search, report, err = buildGraph(ctx, params, ds, cfg)
	} else {
		search, report, err = buildIndex(ctx, params, ds, cfg)
	}
	if err != nil {
		return nil, err
	}
	report.BuildTime = time.Since(overallStart)
	fmt.Fprintf(out, "Indexed %d vectors (%d dimensions) in %.2fs; distance: %s\n",
		report.Stats.Count, report.Stats.Dimension, report.BuildTime.Seconds(), report.Stats.Distance)

	if !ds.HasGroundTruth() {
		log.Info().Msgf("Computing ground truth for %d queries", len(ds.Test))
		ds.Neighbors, ds.Distances, err = GroundTruth(ctx, ds.Train, ds.Test, params.Metric, cfg.K)
		if err != nil {
			return nil, err
		}
	}

	numQueries := cfg.NumQueries
	benchmarkMode := false
	if numQueries < 0 || numQueries > len(ds.Test) {
		numQueries = len(ds.Test)
		benchmarkMode = true
	}
	if numQueries == 0 {
		return report, nil
	}
	threads := cfg.Threads
	if threads < 1 {
		threads = BenchThreads()
	}
	fmt.Fprintf(out, "Running kNN queries (k=%d, nprobes=%d) on %d test vectors using %d threads\n",
		cfg.K, min(max(cfg.NProbes, 1), report.Stats.Partitions), numQueries, threads)

	var bar *progressbar.ProgressBar
	if benchmarkMode {
		bar = progressbar.NewOptions(numQueries, progressbar.OptionSetWriter(out))
	}

	report.Results = make([]QueryResult, numQueries)
	tasks := make(chan int, numQueries)
	for i := 0; i < numQueries; i++ {
		tasks <- i
	}
	close(tasks)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			for i := range tasks {
				start := time.Now()
				res, err := search(ctx, ds.Test[i])
				if err != nil {
					return fmt.Errorf("query %d: %w", i, err)
				}
				report.Results[i] = QueryResult{
					Index:     i,
					Recall:    RecallAtK(res, ds.Neighbors[i], cfg.K),
					Duration:  time.Since(start),
					Predicted: res,
				}
				if bar != nil {
					_ = bar.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var totalRecall float64
	var totalQueryTime time.Duration
	for _, r := range report.Results {
		totalRecall += r.Recall
		totalQueryTime += r.Duration
	}
	report.AvgRecall = totalRecall / float64(numQueries)
	report.AvgLatency = totalQueryTime / time.Duration(numQueries)
	report.Total = time.Since(overallStart)

	if !benchmarkMode {
		for i, r := range report.Results {
			var distances []float64
			if i < len(ds.Distances) {
				distances = ds.Distances[i]
			}
			fmt.Fprintf(out, "Query #%d:\n", i+1)
			fmt.Fprintf(out, " -> Predicted:     %s\n", FormatResults(r.Predicted, cfg.MaxResults))
			fmt.Fprintf(out, " -> Ground-truth:  %s\n", FormatGroundTruth(ds.Neighbors[i], distances, cfg.MaxResults))
			fmt.Fprintf(out, " -> Recall@%d:     %.2f, Response time: %v\n", cfg.K, r.Recall, r.Duration)
		}
	}
	fmt.Fprintf(out, "Average Recall@%d over %d queries: %.2f\n", cfg.K, numQueries, report.AvgRecall)
	fmt.Fprintf(out, "Average query response time: %v\n", report.AvgLatency)
	fmt.Fprintf(out, "Overall runtime: %v\n", report.Total)
	return report, nil
}

// searchFunc answers one test query with up to k neighbors.
type searchFunc func(ctx context.Context, key []float32) ([]core.Neighbor, error)

func buildIndex(ctx context.Context, params index.BuildParams, ds *Dataset, cfg RunConfig) (searchFunc, *Report, error) {
	store := storage.NewMemoryStore()
	if err := store.WriteVectors(ctx, params.Column, ds.Train); err != nil {
		return nil, nil, err
	}
	idx, err := index.Build(ctx, params, ds.Train, store)
	if err != nil {
		return nil, nil, err
	}
	report := &Report{Dataset: ds.Name, Stats: idx.Stats()}
	nprobes := min(max(cfg.NProbes, 1), report.Stats.Partitions)
	search := func(ctx context.Context, key []float32) ([]core.Neighbor, error) {
		return idx.Search(ctx, query.Query{
			Column:       params.Column,
			Key:          key,
			K:            cfg.K,
			NProbes:      nprobes,
			RefineFactor: cfg.RefineFactor,
			Metric:       params.Metric,
			UseIndex:     true,
			Ef:           cfg.Ef,
		})
	}
	return search, report, nil
}

func buildGraph(ctx context.Context, params index.BuildParams, ds *Dataset, cfg RunConfig) (searchFunc, *Report, error) {
	if len(ds.Train) == 0 {
		return nil, nil, &core.InsufficientDataError{Samples: 0, Required: 1, Clusters: 1}
	}
	gc := hnsw.DefaultConfig()
	if params.Graph != nil {
		gc = *params.Graph
	}
	if gc.Seed == 0 {
		gc.Seed = params.Seed
	}
	if gc.Workers == 0 {
		gc.Workers = params.Workers
	}
	g, err := hnsw.NewHNSW(len(ds.Train[0].Vector), params.Metric, gc)
	if err != nil {
		return nil, nil, err
	}
	if err := g.BulkAdd(ctx, ds.Train); err != nil {
		return nil, nil, err
	}
	report := &Report{Dataset: ds.Name, Stats: g.Stats()}
	search := func(_ context.Context, key []float32) ([]core.Neighbor, error) {
		return g.SearchEf(key, cfg.K, cfg.Ef)
	}
	return search, report, nil
}
