package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/devstate/pkg/report"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	manifestPath string
	configPath   string
	verbose      bool
	jsonOutput   bool
	outputFormat string
	noColor      bool

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "devstate",
		Short: "devstate - declarative developer environment state",
		Long: `devstate reads a manifest of services, their desired states and named
intents, observes the local environment and reports which states hold.

Features:
  - YAML or CUE manifests with intents scoping what is checked
  - Built-in observers for lockfiles, schemas, env wiring, ports and containers
  - WASM observer plugins
  - Persisted state with staleness detection and SQLite run history
  - Rego policies over every run report`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file path (default: devstate.yaml in the current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default: .devstate.toml next to the manifest)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml; graph also accepts dot)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored table output")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newObserversCommand())

	return rootCmd
}

// newRenderer builds the renderer selected by --output and --json.
func newRenderer(out io.Writer) (*report.Renderer, error) {
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}
	if jsonOutput {
		format = report.FormatJSON
	}
	return report.NewRenderer(out, format).WithColor(!noColor && isTerminal(out)), nil
}
