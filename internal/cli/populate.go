package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/larder/pkg/larder"
)

func newPopulateCmd(a *app) *cobra.Command {
	var (
		opts        larder.PopulateOptions
		where       []string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "populate <entity>",
		Short: "Compute the missing rows of a materialized entity type",
		Long: `Populate finds every key whose parent rows exist but which has not been
computed, runs the entity's make function for each and commits the result
per key. Interrupting it keeps keys already committed.

Example:
  larder populate Neuron
  larder populate Spikes --workers 4 --where sdp_id=1 --continue-on-error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("workers") {
				opts.Workers = a.config.GetInt(cfgKeyWorkers)
			}
			if !cmd.Flags().Changed("max-retries") {
				opts.MaxRetries = a.config.GetInt(cfgKeyMaxRetries)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			var extra []larder.Option
			if metricsAddr != "" {
				m := larder.NewMetrics()
				extra = append(extra, larder.WithMetrics(m))
				go func() {
					if err := m.Serve(ctx, metricsAddr, a.logger); err != nil {
						a.logger.Error("metrics server", "err", err)
					}
				}()
			}

			s, err := a.open(ctx, extra...)
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.Schema().Entity(args[0])
			if err != nil {
				return err
			}
			mk, err := s.makeFunc(e.Name)
			if err != nil {
				return err
			}
			if opts.Restriction, err = parseWhere(e, where); err != nil {
				return err
			}

			report, err := s.Populate(ctx, e.Name, mk, opts)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d populated, %d skipped, %d failed of %d pending in %s\n",
				report.Entity, report.Populated, report.Skipped, len(report.Failed), report.Pending,
				report.Duration.Round(time.Millisecond))
			for _, f := range report.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", f)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Workers, "workers", 1, "keys computed concurrently (default from config)")
	f.IntVar(&opts.MaxRetries, "max-retries", 0, "extra attempts for a failing key (default from config)")
	f.BoolVar(&opts.ContinueOnError, "continue-on-error", false, "record failures and keep going")
	f.BoolVar(&opts.ReserveJobs, "reserve-jobs", false, "claim keys in the job log and skip keys with recorded errors")
	f.StringArrayVar(&where, "where", nil, "restrict the keys to populate (repeatable)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}
