package commands

import (
	"github.com/openfroyo/devstate/pkg/observers"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newObserversCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observers",
		Short: "List the available observer types",
		Long: `List every state type an observer is registered for: the built-in types and
the WASM plugins declared in the manifest. Plugins are compiled, so a broken
module or checksum mismatch is reported here.

Without a manifest only the built-in types are listed.`,
		Example: `  devstate observers
  devstate observers --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			registry, err := observers.NewDefaultRegistry(log.Logger, observers.Options{})
			if err != nil {
				return err
			}
			defer registry.Close(ctx)

			if manifestPath != "" || hasManifest() {
				p, err := loadProject()
				if err != nil {
					return err
				}
				if err := observers.LoadPlugins(ctx, registry, p.manifest.ProjectRoot, p.manifest.Manifest.Plugins, observers.DefaultPluginConfig()); err != nil {
					return err
				}
			}

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return renderer.Observers(registry.List())
		},
	}

	return cmd
}
