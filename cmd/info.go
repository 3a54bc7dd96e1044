package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/core"
	"github.com/patrikhermansson/colann/index"
)

func makeInfoCommand(cfg *storeConfig) *cobra.Command {
	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cpu := core.DetectCPUFeatures()
		fmt.Fprintf(out, "cpu: %s avx=%t avx2=%t avx512f=%t fma=%t neon=%t gomaxprocs=%d\n",
			cpu.Arch, cpu.AVX, cpu.AVX2, cpu.AVX512F, cpu.FMA, cpu.NEON, runtime.GOMAXPROCS(0))
		if len(args) == 0 {
			return nil
		}

		ctx := cmd.Context()
		s, err := cfg.open()
		if err != nil {
			return err
		}
		defer s.Close()

		name := args[0]
		versions, err := index.Versions(ctx, s.meta, name)
		if err != nil {
			return err
		}
		idx, err := index.Load(ctx, s.meta, name, nil)
		if err != nil {
			return err
		}
		art, err := index.ReadArtifact(ctx, s.meta, name, idx.Version())
		if err != nil {
			return err
		}
		st := idx.Stats()
		fmt.Fprintf(out, "index: %s\nversion: %s (of %d)\ncreated: %s\ncolumn: %s\n",
			name, idx.Version(), len(versions), art.CreatedAt.Format("2006-01-02 15:04:05Z"), idx.Column())
		fmt.Fprintf(out, "rows: %d\ndimension: %d\nmetric: %s\ntransform: %s\n",
			st.Count, st.Dimension, st.Distance, idx.Transform().Name())
		fmt.Fprintf(out, "partitions: %d\nquantizer: %s (%d bytes/row)\ngraph: %t\n",
			st.Partitions, st.Quantizer, st.CodeBytes, st.Graph)
		for _, p := range idx.IVF().Partitions() {
			fmt.Fprintf(out, "  partition %d: %d rows", p.ID(), p.Len())
			if p.HasGraph() {
				if gs := p.Graph().Stats(); gs.Nodes > 0 && len(gs.AvgDegree) > 0 {
					fmt.Fprintf(out, ", graph levels %d, layer 0 degree %.1f", gs.MaxLevel+1, gs.AvgDegree[0])
				}
			}
			fmt.Fprintln(out)
		}
		return nil
	}

	return &cobra.Command{
		Use:   "info [name]",
		Short: "Show CPU features and, given a name, the latest saved index.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCmdFunc,
	}
}
