package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		intent string
		live   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the persisted state of an intent",
		Long: `Report the state of every item of an intent without writing state.

By default nothing is observed: each item shows its last persisted result, or
unknown when it was never validated. With --live every item is observed but
the results are not persisted.

Policies are evaluated against the report. The exit code is 2 when the intent
is not fully compliant and 3 when a policy violation reaches policy.fail_on.`,
		Example: `  # Show the last known state
  devstate status

  # Observe now without touching the state file
  devstate status --live --intent backend`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			p, err := loadProject()
			if err != nil {
				return err
			}

			log.Debug().
				Str("intent", intent).
				Bool("live", live).
				Msg("Reading status")

			a, err := newApp(ctx, p, appOptions{})
			if err != nil {
				return err
			}
			defer closeApp(ctx, a, &err)

			rep, err := a.reconciler.Status(ctx, p.runRequest(intent, false), live)
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

	cmd.Flags().StringVarP(&intent, "intent", "i", "", "intent to report (default: the manifest default)")
	cmd.Flags().BoolVar(&live, "live", false, "observe every item instead of reading persisted results")

	return cmd
}
