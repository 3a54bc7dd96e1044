package cmd

import (
	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/example"
)

func makeBenchCommand() *cobra.Command {
	var flags buildFlags
	cfg := example.RunConfig{K: 10, NumQueries: -1, MaxResults: 5, NProbes: 1}

	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		if cfg.GraphOnly {
			flags.graph = true
		}
		params, err := flags.params()
		if err != nil {
			return err
		}
		params.Progress = cmd.ErrOrStderr()
		ds, err := example.LoadDataset(args[0])
		if err != nil {
			return err
		}
		cfg.Out = cmd.OutOrStdout()
		_, err = example.RunDataset(cmd.Context(), params, ds, cfg)
		return err
	}

	command := &cobra.Command{
		Use:   "bench <dataset-dir>",
		Short: "Build an in-memory index over a dataset and report recall@k and latency.",
		Long: `Build an in-memory index over a dataset and report recall@k and latency.

The directory holds train.csv and test.csv, and optionally neighbors.csv and
distances.csv. Missing ground truth is computed by brute force. With
--graph-only the whole train set goes into one graph and the partition and
quantizer flags are ignored. Query workers default to $` + example.BenchThreadsEnv + `.`,
		Args: cobra.ExactArgs(1),
		RunE: runCmdFunc,
	}
	flags.register(command)
	f := command.Flags()
	f.IntVar(&cfg.K, "k", cfg.K, "number of results per query")
	f.IntVar(&cfg.NumQueries, "queries", cfg.NumQueries, "queries to run with per-query output, negative for all in benchmark mode")
	f.IntVar(&cfg.MaxResults, "show", cfg.MaxResults, "results shown per query")
	f.IntVar(&cfg.NProbes, "nprobes", cfg.NProbes, "partitions to scan")
	f.Uint32Var(&cfg.RefineFactor, "refine", 0, "refine factor, 0 disables refine")
	f.IntVar(&cfg.Ef, "ef", 0, "graph search breadth")
	f.IntVar(&cfg.Threads, "threads", 0, "query workers, 0 reads "+example.BenchThreadsEnv)
	f.BoolVar(&cfg.GraphOnly, "graph-only", false, "index the train set in a single graph over raw vectors instead of partitions")
	return command
}
