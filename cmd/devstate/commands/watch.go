package commands

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/devstate/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCommand() *cobra.Command {
	var (
		intent        string
		applied       bool
		interval      time.Duration
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously as the manifest changes",
		Long: `Run a sync, then sync again whenever the manifest or a policy file is
written, and optionally on a fixed interval.

A manifest that fails to load is reported and the last good manifest stays in
effect. Policy files are reloaded on change; a policy that fails to compile
keeps the previous set. Plugins and the settings file are read once at start.

Watch runs until interrupted and never exits with a compliance code.`,
		Example: `  # Re-sync on every manifest save
  devstate watch

  # Also re-sync every 30 seconds and expose metrics
  devstate watch --interval 30s --metrics-listen 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			p, err := loadProject()
			if err != nil {
				return err
			}

			if metricsListen == "" {
				metricsListen = p.settings.Telemetry.MetricsListen
			}

			log.Info().
				Str("manifest", p.manifest.Path).
				Str("intent", intent).
				Dur("interval", interval).
				Str("metrics_listen", metricsListen).
				Msg("Starting watch")

			a, err := newApp(ctx, p, appOptions{history: true})
			if err != nil {
				return err
			}
			defer closeApp(context.Background(), a, &err)

			policyPaths := p.settings.PolicyPaths(p.manifest.ProjectRoot)
			policyFiles, err := a.policies.Files(policyPaths)
			if err != nil {
				return err
			}

			w := &watchLoop{
				app:         a,
				out:         cmd.OutOrStdout(),
				intent:      intent,
				applied:     applied,
				policyPaths: policyPaths,
			}

			watcher, err := config.NewWatcher(log.Logger, append([]string{p.manifest.Path}, policyFiles...)...)
			if err != nil {
				return err
			}

			w.sync(ctx)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return watcher.Run(gctx, w.onChange)
			})
			if interval > 0 {
				g.Go(func() error {
					ticker := time.NewTicker(interval)
					defer ticker.Stop()
					for {
						select {
						case <-gctx.Done():
							return nil
						case <-ticker.C:
							w.sync(gctx)
						}
					}
				})
			}
			if metricsListen != "" {
				g.Go(func() error {
					return a.telemetry.Metrics.Serve(gctx, metricsListen)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&intent, "intent", "i", "", "intent to sync (default: the manifest default)")
	cmd.Flags().BoolVar(&applied, "applied", false, "stamp lastAppliedAt on every item observed healthy")
	cmd.Flags().DurationVar(&interval, "interval", 0, "also sync on this interval (0 disables)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}

// watchLoop serializes syncs triggered by file changes and the interval.
type watchLoop struct {
	mu sync.Mutex

	app         *app
	out         io.Writer
	intent      string
	applied     bool
	policyPaths []string
}

// onChange reloads the manifest and policies, then syncs.
func (w *watchLoop) onChange(ctx context.Context) {
	w.mu.Lock()
	if err := w.app.reload(); err != nil {
		log.Error().Err(err).Msg("Manifest reload failed, keeping the last good manifest")
	}
	if len(w.policyPaths) > 0 {
		if err := w.app.policies.ReloadPolicies(ctx, w.policyPaths); err != nil {
			log.Error().Err(err).Msg("Policy reload failed, keeping the previous policies")
		}
	}
	w.mu.Unlock()

	w.sync(ctx)
}

// sync runs one reconciliation and renders its report.
func (w *watchLoop) sync(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rep, err := w.app.reconciler.Sync(ctx, w.app.runRequest(w.intent, w.applied))
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Sync failed")
		}
		return
	}

	renderer, err := newRenderer(w.out)
	if err != nil {
		log.Error().Err(err).Msg("Cannot render report")
		return
	}
	if err := renderer.Report(rep); err != nil {
		log.Error().Err(err).Msg("Cannot render report")
	}
	if err := w.app.telemetry.Metrics.WriteTextfile(w.app.telemetry.Config.Metrics.TextfilePath); err != nil {
		log.Warn().Err(err).Msg("Cannot write metrics textfile")
	}

	log.Info().
		Str("run_id", rep.RunID).
		Str("intent", rep.Intent).
		Bool("compliant", rep.Summary.Compliant()).
		Int("violations", len(rep.Violations)).
		Msg("Watch sync completed")
}
