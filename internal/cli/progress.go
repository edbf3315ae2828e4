package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func newProgressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "progress [entity...]",
		Short: "Show how many keys of materialized entity types are computed",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			names := args
			if len(names) == 0 {
				for _, n := range s.Schema().Names() {
					if e, _ := s.Schema().Entity(n); e.Kind == types.KindMaterialized {
						names = append(names, n)
					}
				}
			}
			for _, n := range names {
				done, total, err := s.Progress(cmd.Context(), n)
				if err != nil {
					return err
				}
				pct := 100.0
				if total > 0 {
					pct = 100 * float64(done) / float64(total)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d/%d (%.1f%%)\n", n, done, total, pct)
			}
			return nil
		},
	}
}
