package commands

import (
	"fmt"

	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the manifest",
		Long: `Validate the manifest and the project settings without observing anything.

This command checks:
  - Manifest syntax and schema (YAML or CUE)
  - At least one intent is declared
  - Every intent references declared services and states
  - Policy files compile
  - Dependency warnings (undeclared services, cycles, unresolved env bindings)`,
		Example: `  # Validate devstate.yaml in the current directory
  devstate validate

  # Validate a specific manifest and print JSON
  devstate validate -m ./env/devstate.cue --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}

			log.Debug().
				Str("manifest", p.manifest.Path).
				Str("manifest_hash", p.manifest.Hash).
				Msg("Validating manifest")

			result := engine.ValidateManifest(p.manifest.Manifest)

			if paths := p.settings.PolicyPaths(p.manifest.ProjectRoot); len(paths) > 0 {
				policies, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if err := policies.LoadPolicies(cmd.Context(), paths); err != nil {
					result.Errors = append(result.Errors, err)
				}
			}

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := renderer.Validation(p.manifest.Path, result); err != nil {
				return err
			}

			if !result.Valid() {
				return &ExitError{
					Code:    ExitFailure,
					Message: fmt.Sprintf("%s is invalid", p.manifest.Path),
				}
			}
			return nil
		},
	}

	return cmd
}
