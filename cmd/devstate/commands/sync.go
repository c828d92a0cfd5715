package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	var (
		intent          string
		applied         bool
		parallelism     int
		metricsTextfile string
	)

	cmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"dev"},
		Short:   "Observe an intent and persist the results",
		Long: `Observe every item of an intent and replace the persisted state with the
results. Every item is observed on every run, whether or not the manifest
changed since the last sync.

Each completed sync is appended to the run history when it is enabled. The
exit code is 2 when the intent is not fully compliant and 3 when a policy
violation reaches policy.fail_on.`,
		Example: `  # Sync the default intent
  devstate sync

  # Sync an intent and record the healthy items as applied
  devstate sync --intent feature --applied

  # Write Prometheus metrics for the node exporter
  devstate sync --metrics-textfile /var/lib/node_exporter/devstate.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			p, err := loadProject()
			if err != nil {
				return err
			}

			log.Debug().
				Str("intent", intent).
				Bool("applied", applied).
				Int("parallelism", parallelism).
				Msg("Starting sync")

			a, err := newApp(ctx, p, appOptions{
				history:         true,
				parallelism:     parallelism,
				metricsTextfile: metricsTextfile,
			})
			if err != nil {
				return err
			}
			defer closeApp(ctx, a, &err)

			rep, err := a.reconciler.Sync(ctx, p.runRequest(intent, applied))
			if err != nil {
				return err
			}

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := renderer.Report(rep); err != nil {
				return err
			}
			return runOutcome(rep, p.settings.Policy.FailOn)
		},
	}

	cmd.Flags().StringVarP(&intent, "intent", "i", "", "intent to sync (default: the manifest default)")
	cmd.Flags().BoolVar(&applied, "applied", false, "stamp lastAppliedAt on every item observed healthy")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "concurrent observations (default: observe.parallelism)")
	cmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file after the run")

	return cmd
}
