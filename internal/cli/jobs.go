package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/types"
)

func newJobsCmd(a *app) *cobra.Command {
	var (
		entity    string
		status    string
		clearJobs bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or clear job log entries",
		Long: `Jobs lists keys reserved by running populate calls and keys whose
computation failed. --clear removes the selected entries so failed keys are
retried by the next reserved populate run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := types.JobStatus(status)
			if st != "" && st != types.JobReserved && st != types.JobError {
				return usageErrorf("invalid --status %q (reserved or error)", status)
			}

			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if clearJobs {
				n, err := s.Jobs().Clear(cmd.Context(), entity, st)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "cleared %d jobs\n", n)
				return nil
			}

			jobs, err := s.Jobs().List(cmd.Context(), entity, st)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tKEY\tSTATUS\tCREATED\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					j.Entity, j.Key, j.Status, j.CreatedAt.Local().Format("2006-01-02 15:04:05"), j.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "only jobs of this entity type")
	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status (reserved or error)")
	cmd.Flags().BoolVar(&clearJobs, "clear", false, "remove the selected jobs")
	return cmd
}
