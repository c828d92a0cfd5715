package commands

import (
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the service dependency graph",
		Long: `Show the dependency graph derived from the manifest.

Edges come from explicit requires.services entries and from consumes.env
bindings of the form <service>.<VAR>. References to undeclared services and
dependency cycles are reported as warnings; they never fail the command.`,
		Example: `  # Print the graph as tables
  devstate graph

  # Render with Graphviz
  devstate graph -o dot | dot -Tsvg > graph.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}

			graph := engine.BuildGraph(p.manifest.Manifest)

			log.Debug().
				Int("nodes", len(graph.Nodes)).
				Int("edges", len(graph.Edges)).
				Msg("Built dependency graph")

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return renderer.Graph(graph)
		},
	}

	return cmd
}
