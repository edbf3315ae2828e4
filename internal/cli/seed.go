package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/internal/neuro"
)

func newSeedCmd(a *app) *cobra.Command {
	var (
		sample bool
		seed   uint64
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the tutorial mice, sessions, parameters and scans",
		Long: `Seed inserts the hand-entered rows of the tutorial pipeline. Rows that
already exist are kept. With --sample-data it also writes synthetic
recording and scan files into the recordings directory so that Neuron and
AverageFrame can be populated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if s.pipeline == nil {
				return usageErrorf("seed works only with the built-in schema")
			}

			counts, err := neuro.Seed(cmd.Context(), s.Store())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range []string{"Mouse", "Session", "SpikeDetectionParam", "Scan"} {
				fmt.Fprintf(out, "%s: %d inserted\n", name, counts[name])
			}

			if sample {
				files, err := neuro.WriteSampleData(s.pipeline.DataDir, seed)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %d sample files to %s\n", len(files), s.pipeline.DataDir)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sample, "sample-data", false, "write synthetic recording and scan files")
	cmd.Flags().Uint64Var(&seed, "random-seed", 1, "seed for the synthetic data")
	return cmd
}
