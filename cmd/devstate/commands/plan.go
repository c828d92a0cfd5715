package commands

import (
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var intent string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what an intent would check",
		Long: `Expand an intent into the ordered list of (service, state) items that a
sync would observe. Nothing is observed and no state is read or written.

Without --intent the manifest's defaultIntent is used, then an intent named
"feature", then the first declared intent.`,
		Example: `  # Plan the default intent
  devstate plan

  # Plan a named intent as YAML
  devstate plan --intent feature -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}

			plan, err := engine.BuildPlan(p.manifest.Manifest, intent)
			if err != nil {
				return err
			}
			plan.ManifestHash = p.manifest.Hash

			log.Debug().
				Str("intent", plan.Intent).
				Int("items", len(plan.Items)).
				Msg("Built plan")

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return renderer.Plan(plan)
		},
	}

	cmd.Flags().StringVarP(&intent, "intent", "i", "", "intent to plan (default: the manifest default)")

	return cmd
}
