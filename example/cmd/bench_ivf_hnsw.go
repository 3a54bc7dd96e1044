//go:build ignore
// +build ignore

package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/example"
	"github.com/patrikhermansson/colann/hnsw"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/quantizer"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Profiling endpoints at /debug/pprof/
	go func() {
		log.Info().Msg("Starting pprof server on :6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			log.Error().Err(err).Msg("pprof server failed")
		}
	}()

	bench("sift-128-euclidean", core.L2)
	bench("glove-100-angular", core.Cosine)
}

func bench(dataset string, metric core.Metric) {
	ctx := context.Background()
	ds, err := example.LoadDataset(filepath.Join("example/data/nearest-neighbors-datasets", dataset))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load dataset")
	}
	graph := hnsw.DefaultConfig()
	params := index.DefaultBuildParams("vec", metric, 8)
	params.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	params.Graph = &graph
	params.Progress = os.Stderr

	// Benchmark mode: every test query, COLANN_BENCH_THREADS workers.
	_, err = example.RunDataset(ctx, params, ds, example.RunConfig{
		K: 100, NumQueries: -1, NProbes: 2, Ef: 128, Out: os.Stdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msgf("Benchmark on %s failed", dataset)
	}
}
