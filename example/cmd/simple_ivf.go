//go:build ignore
// +build ignore

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/quantizer"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
)

// Note: set COLANN_SEED to get the same partitions between runs.

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx := context.Background()

	rows := []core.Row{
		{ID: 1, Vector: []float32{1, 2, 3, 4, 5, 6}},
		{ID: 2, Vector: []float32{6, 5, 4, 3, 2, 1}},
		{ID: 3, Vector: []float32{1, 1, 1, 1, 1, 1}},
		{ID: 4, Vector: []float32{2, 2, 2, 2, 2, 2}},
		{ID: 5, Vector: []float32{3, 3, 3, 3, 3, 3}},
		{ID: 6, Vector: []float32{4, 4, 4, 4, 4, 4}},
		{ID: 7, Vector: []float32{5, 5, 5, 5, 5, 5}},
		{ID: 8, Vector: []float32{6, 6, 6, 6, 6, 6}},
		{ID: 9, Vector: []float32{7, 7, 7, 7, 7, 7}},
		{ID: 10, Vector: []float32{8, 8, 8, 8, 8, 8}},
	}
	store := storage.NewMemoryStore()
	if err := store.WriteVectors(ctx, "vec", rows); err != nil {
		log.Fatal().Err(err).Msg("write failed")
	}

	params := index.DefaultBuildParams("vec", core.L2, 2)
	params.Quantizer = quantizer.DefaultConfig(quantizer.Flat)
	idx, err := index.Build(ctx, params, rows, store)
	if err != nil {
		log.Fatal().Err(err).Msg("build failed")
	}
	fmt.Printf("Index stats after Build: %+v\n", idx.Stats())

	q := query.Query{Key: []float32{1, 2, 3, 4, 5, 6}, K: 2, NProbes: 1, Metric: core.L2, UseIndex: true}
	neighbors, trace, err := idx.Explain(ctx, q)
	if err != nil {
		log.Fatal().Err(err).Msg("search failed")
	}
	fmt.Println("Search results:")
	for _, n := range neighbors {
		fmt.Printf("ID: %d, Distance: %f\n", n.RowID, n.Distance)
	}
	fmt.Println(trace)

	extra := []core.Row{{ID: 11, Vector: []float32{1, 2, 3, 4, 5, 7}}}
	if err := store.WriteVectors(ctx, "vec", extra); err != nil {
		log.Fatal().Err(err).Msg("write failed")
	}
	if err := idx.Insert(ctx, extra); err != nil {
		log.Fatal().Err(err).Msg("insert failed")
	}
	fmt.Printf("Index stats after Insert: %+v\n", idx.Stats())

	if err := idx.Save(ctx, store, "simple"); err != nil {
		log.Fatal().Err(err).Msg("save failed")
	}
	loaded, err := index.Load(ctx, store, "simple", store)
	if err != nil {
		log.Fatal().Err(err).Msg("load failed")
	}
	q.UseIndex = false
	neighbors, err = loaded.Search(ctx, q)
	if err != nil {
		log.Fatal().Err(err).Msg("search in loaded index failed")
	}
	fmt.Println("Exact results from loaded index:")
	for _, n := range neighbors {
		fmt.Printf("ID: %d, Distance: %f\n", n.RowID, n.Distance)
	}
}
