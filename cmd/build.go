package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrikhermansson/colann/example"
	"github.com/patrikhermansson/colann/index"
)

func makeBuildCommand(cfg *storeConfig) *cobra.Command {
	var flags buildFlags
	var csvPath string
	var skipHeader bool

	runCmdFunc := func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		params, err := flags.params()
		if err != nil {
			return err
		}
		params.Progress = cmd.ErrOrStderr()

		s, err := cfg.open()
		if err != nil {
			return err
		}
		defer s.Close()

		if csvPath != "" {
			rows, err := example.LoadRows(csvPath, skipHeader)
			if err != nil {
				return err
			}
			if err := s.vectors.WriteVectors(ctx, params.Column, rows); err != nil {
				return err
			}
		}
		idx, err := index.BuildFromStore(ctx, params, s.vectors)
		if err != nil {
			return err
		}
		if err := idx.Save(ctx, s.meta, args[0]); err != nil {
			return err
		}
		st := idx.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "built %s version %s: %d rows, %d partitions, %s codes of %d bytes\n",
			args[0], idx.Version(), st.Count, st.Partitions, st.Quantizer, st.CodeBytes)
		return nil
	}

	command := &cobra.Command{
		Use:   "build <name>",
		Short: "Train an index over a vector column and save it under name.",
		Long: `Train an index over a vector column and save it under name.

With --csv the file's rows are first written to the column, row id = line number.`,
		Args: cobra.ExactArgs(1),
		RunE: runCmdFunc,
	}
	flags.register(command)
	command.Flags().StringVar(&csvPath, "csv", "", "CSV file of vectors to load into the column")
	command.Flags().BoolVar(&skipHeader, "skip-header", false, "skip the first CSV line")
	return command
}
