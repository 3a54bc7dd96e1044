package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/index"
	"github.com/patrikhermansson/colann/query"
	"github.com/patrikhermansson/colann/storage"
)

type searchFlags struct {
	vector   string
	k        int
	nprobes  int
	refine   uint32
	ef       int
	metric   string
	exact    bool
	explain  bool
	version  string
	readRate float64
}

func parseVector(s string) ([]float32, error) {
	fields := strings.Split(s, ",")
	out := make([]float32, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func makeSearchCommand(cfg *storeConfig) *cobra.Command {
	var flags searchFlags

	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		key, err := parseVector(flags.vector)
		if err != nil {
			return err
		}
		s, err := cfg.open()
		if err != nil {
			return err
		}
		defer s.Close()

		var reader storage.VectorReader = s.vectors
		if flags.readRate > 0 {
			reader = storage.NewThrottledReader(s.vectors, flags.readRate, max(int(flags.readRate), 1))
		}
		var idx *index.Index
		if flags.version != "" {
			idx, err = index.LoadVersion(ctx, s.meta, args[0], flags.version, reader)
		} else {
			idx, err = index.Load(ctx, s.meta, args[0], reader)
		}
		if err != nil {
			return err
		}

		metric := idx.Metric()
		if flags.metric != "" {
			if metric, err = core.ParseMetric(flags.metric); err != nil {
				return err
			}
		}
		res, trace, err := idx.Explain(ctx, query.Query{
			Column:       idx.Column(),
			Key:          key,
			K:            flags.k,
			NProbes:      flags.nprobes,
			RefineFactor: flags.refine,
			Metric:       metric,
			UseIndex:     !flags.exact,
			Ef:           flags.ef,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "row_id\t%s\n", index.DistanceColumn)
		for _, n := range res {
			fmt.Fprintf(w, "%d\t%g\n", n.RowID, n.Distance)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if flags.explain {
			fmt.Fprintln(cmd.OutOrStdout(), trace)
		}
		return nil
	}

	command := &cobra.Command{
		Use:   "search <name>",
		Short: "Query the nearest neighbors of a vector.",
		Args:  cobra.ExactArgs(1),
		RunE:  runCmdFunc,
	}
	f := command.Flags()
	f.StringVar(&flags.vector, "vector", "", "comma separated query vector")
	f.IntVar(&flags.k, "k", 10, "number of results")
	f.IntVar(&flags.nprobes, "nprobes", 1, "partitions to scan")
	f.Uint32Var(&flags.refine, "refine", 0, "refine factor, 0 disables refine")
	f.IntVar(&flags.ef, "ef", 0, "graph search breadth, 0 for the graph default")
	f.StringVar(&flags.metric, "metric", "", "distance metric, defaults to the index metric")
	f.BoolVar(&flags.exact, "exact", false, "bypass the index and scan every row exactly")
	f.BoolVar(&flags.explain, "explain", false, "print the execution trace")
	f.StringVar(&flags.version, "version", "", "index version, defaults to the latest")
	f.Float64Var(&flags.readRate, "read-rate", 0, "max raw rows read per second, 0 for unlimited")
	_ = command.MarkFlagRequired("vector")
	return command
}
