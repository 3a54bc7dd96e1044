// Package cmd implements the colann command line.
package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Execute runs the CLI with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var cfg storeConfig
	root := &cobra.Command{
		Use:   "colann [command] (flags)",
		Short: "colann builds and queries IVF vector indices over a column of embeddings.",
		Long: `colann builds and queries IVF vector indices over a column of embeddings.

Typical usage:
    colann build docs --csv train.csv --partitions 16 --quantizer pq --subvectors 16
        Load vectors into the local store, train and save index "docs".

    colann search docs --vector 0.1,0.2,... --k 10 --nprobes 4 --refine 8
        Query the latest version of "docs".

    colann bench example/data/sift-128-euclidean --partitions 64 --nprobes 8
        Measure recall@k and latency on a dataset directory.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		},
	}
	cfg.register(root)

	root.AddCommand(makeBuildCommand(&cfg))
	root.AddCommand(makeSearchCommand(&cfg))
	root.AddCommand(makeBenchCommand())
	root.AddCommand(makeInfoCommand(&cfg))
	return root
}
