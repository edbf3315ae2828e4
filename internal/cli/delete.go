package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(a *app) *cobra.Command {
	var (
		where   []string
		all     bool
		cascade bool
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "delete <entity>",
		Short: "Delete rows, optionally with everything derived from them",
		Long: `Delete removes the rows of an entity type matching every --where
condition. Without --cascade the delete fails when other rows still depend
on a matched row. With --cascade those dependents are removed too, in one
transaction. --dry-run reports what a cascade would remove.

Example:
  larder delete SpikeDetectionParam --where sdp_id=0 --cascade --dry-run
  larder delete Mouse --where mouse_id=2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(where) == 0 && !all {
				return usageErrorf("delete needs --where conditions or --all")
			}
			if dryRun && !cascade {
				return usageErrorf("--dry-run requires --cascade")
			}

			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Schema().Entity(args[0])
			if err != nil {
				return err
			}
			p, err := parseWhere(e, where)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case dryRun:
				counts, err := s.PreviewDelete(cmd.Context(), e.Name, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "would delete %d rows: %s\n", counts.Total(), counts)
			case cascade:
				counts, err := s.CascadeDelete(cmd.Context(), e.Name, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d rows: %s\n", counts.Total(), counts)
			default:
				n, err := s.Delete(cmd.Context(), e.Name, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted %d rows: %s=%d\n", n, e.Name, n)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "condition attr<op>value (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "delete every row of the entity type")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete dependent rows")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what --cascade would delete")
	return cmd
}
