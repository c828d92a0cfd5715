package commands

import (
	"errors"

	"github.com/openfroyo/devstate/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		runID  string
		key    string
		limit  int
		offset int
		prune  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded sync runs",
		Long: `Show the run history recorded by sync and watch.

Without flags the most recent runs are listed, newest first. --run shows the
observations of one run and accepts a unique ID prefix. --key shows the
recorded results of one service:state key across runs.`,
		Example: `  # List the last 20 runs
  devstate history

  # Show one run
  devstate history --run 3f2a9c1e

  # Follow one key over time
  devstate history --key api:deps --limit 10

  # Apply history.retention now
  devstate history --prune`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadProject()
			if err != nil {
				return err
			}
			if !p.settings.History.Enabled {
				return errors.New("run history is disabled (history.enabled = false)")
			}

			path := p.settings.HistoryPath(p.manifest.ProjectRoot)
			log.Debug().
				Str("path", path).
				Str("run", runID).
				Str("key", key).
				Int("limit", limit).
				Msg("Reading history")

			history, err := stores.OpenHistory(ctx, stores.HistoryConfig{
				Path:      path,
				Retention: p.settings.History.Retention,
			})
			if err != nil {
				return err
			}
			defer history.Close()

			renderer, err := newRenderer(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			switch {
			case prune:
				removed, err := history.Prune(ctx, p.settings.History.Retention)
				if err != nil {
					return err
				}
				log.Info().
					Int64("removed", removed).
					Int("retention", p.settings.History.Retention).
					Msg("Pruned run history")
				return nil

			case runID != "":
				run, err := history.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				observations, err := history.ListObservations(ctx, run.ID)
				if err != nil {
					return err
				}
				return renderer.RunDetail(run, observations)

			case key != "":
				observations, err := history.KeyHistory(ctx, key, limit)
				if err != nil {
					return err
				}
				return renderer.KeyHistory(key, observations)

			default:
				runs, err := history.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				return renderer.Runs(runs)
			}
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show the observations of one run (ID or unique prefix)")
	cmd.Flags().StringVar(&key, "key", "", "show the results of one service:state key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many runs")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete runs beyond history.retention")
	cmd.MarkFlagsMutuallyExclusive("run", "key", "prune")

	return cmd
}
