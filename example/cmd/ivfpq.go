//go:build ignore
// +build ignore

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/example"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/quantizer"
)

const root = "example/data/nearest-neighbors-datasets"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// IVF-PQ with refine on FashionMNIST and SIFT
	run("fashion-mnist-784-euclidean", 16, quantizer.PQ, 16)
	run("sift-128-euclidean", 16, quantizer.Residual, 16)
}

func run(dataset string, partitions int, kind quantizer.Kind, m int) {
	ctx := context.Background()
	ds, err := example.LoadDataset(filepath.Join(root, dataset))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load dataset")
	}
	params := index.DefaultBuildParams("vec", core.L2, partitions)
	params.Quantizer = quantizer.DefaultConfig(kind)
	params.Quantizer.NumSubvectors = m
	params.SampleSize = 20000
	params.Progress = os.Stderr

	_, err = example.RunDataset(ctx, params, ds, example.RunConfig{
		K: 100, NumQueries: 5, MaxResults: 5, NProbes: 4, RefineFactor: 4, Out: os.Stdout,
	})
	if err != nil {
		log.Fatal().Err(err).Msgf("Run on %s failed", dataset)
	}
}
