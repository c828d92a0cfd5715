package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/devstate/pkg/config"
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/observers"
	"github.com/openfroyo/devstate/pkg/policy"
	"github.com/openfroyo/devstate/pkg/stores"
	"github.com/openfroyo/devstate/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

// project is a loaded manifest with the settings that apply to it.
type project struct {
	manifest *config.LoadedManifest
	settings *config.Settings
}

// loadProject resolves and loads the manifest, then the settings file next
// to it (or the one named by --config).
func loadProject() (*project, error) {
	path := manifestPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path, err = config.DiscoverManifest(cwd)
		if err != nil {
			return nil, err
		}
	}

	loaded, err := config.LoadManifest(path)
	if err != nil {
		return nil, err
	}

	settingsFile := configPath
	if settingsFile == "" {
		settingsFile = filepath.Join(loaded.ProjectRoot, config.SettingsFileName)
	}
	settings, err := config.LoadSettings(settingsFile, configPath != "")
	if err != nil {
		return nil, err
	}

	return &project{manifest: loaded, settings: settings}, nil
}

// hasManifest reports whether a default manifest exists in the working directory.
func hasManifest() bool {
	cwd, err := os.Getwd()
	if err != nil {
		return false
	}
	_, err = config.DiscoverManifest(cwd)
	return err == nil
}

// reload re-reads the manifest, keeping the settings.
func (p *project) reload() error {
	loaded, err := config.LoadManifest(p.manifest.Path)
	if err != nil {
		return err
	}
	p.manifest = loaded
	return nil
}

// statePath resolves the state file for the loaded manifest.
func (p *project) statePath() string {
	manifestState, _ := p.manifest.Manifest.StatePath()
	return p.settings.StatePath(p.manifest.ProjectRoot, manifestState)
}

// runRequest builds the reconciler request for intent.
func (p *project) runRequest(intent string, markApplied bool) engine.RunRequest {
	return engine.RunRequest{
		Manifest:     p.manifest.Manifest,
		ManifestPath: p.manifest.Path,
		ProjectRoot:  p.manifest.ProjectRoot,
		ManifestHash: p.manifest.Hash,
		Intent:       intent,
		MarkApplied:  markApplied,
	}
}

// appOptions select which optional parts of the app are built.
type appOptions struct {
	// history opens the run history database when enabled in settings.
	history bool

	// parallelism overrides observe.parallelism when positive.
	parallelism int

	// metricsTextfile overrides telemetry.metrics_textfile when set.
	metricsTextfile string
}

// app wires the reconciler and everything it depends on.
type app struct {
	*project

	telemetry  *telemetry.Telemetry
	registry   *observers.Registry
	backend    engine.StateBackend
	history    *stores.SQLiteHistory
	policies   *policy.Engine
	reconciler *engine.Reconciler
}

// newApp builds the observer registry, state backend, history, policy engine
// and reconciler for p. Close releases what it opened.
func newApp(ctx context.Context, p *project, opts appOptions) (_ *app, err error) {
	a := &app{project: p}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = newTelemetry(p.settings, opts.metricsTextfile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := a.telemetry.Logger

	a.registry, err = observers.NewDefaultRegistry(logger.NewComponentLogger("observers").Zerolog(), observers.Options{
		ProbeTimeout: p.settings.Observe.ProbeTimeout,
		DockerHost:   p.settings.Observe.DockerHost,
	})
	if err != nil {
		return nil, err
	}
	if plugins := p.manifest.Manifest.Plugins; len(plugins) > 0 {
		if err := observers.LoadPlugins(ctx, a.registry, p.manifest.ProjectRoot, plugins, observers.DefaultPluginConfig()); err != nil {
			return nil, err
		}
	}

	a.backend, err = newBackend(ctx, p)
	if err != nil {
		return nil, err
	}

	if opts.history && p.settings.History.Enabled {
		a.history, err = stores.OpenHistory(ctx, stores.HistoryConfig{
			Path:      p.settings.HistoryPath(p.manifest.ProjectRoot),
			Retention: p.settings.History.Retention,
		})
		if err != nil {
			return nil, err
		}
	}

	a.policies, err = policy.NewEngine(logger.Zerolog())
	if err != nil {
		return nil, err
	}
	if paths := p.settings.PolicyPaths(p.manifest.ProjectRoot); len(paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}

	parallelism := p.settings.Observe.Parallelism
	if opts.parallelism > 0 {
		parallelism = opts.parallelism
	}

	reconcilerOpts := engine.ReconcilerOptions{
		Dispatcher:  a.registry,
		Backend:     a.backend,
		Policy:      a.policies,
		Parallelism: parallelism,
		Logger:      logger,
		Metrics:     a.telemetry.Metrics,
		Tracer:      a.telemetry.Tracer,
	}
	if a.history != nil {
		reconcilerOpts.History = a.history
	}
	a.reconciler, err = engine.NewReconciler(reconcilerOpts)
	if err != nil {
		return nil, err
	}

	logger.WithField("manifest", p.manifest.Path).
		WithField("manifest_hash", p.manifest.Hash).
		WithField("backend", a.backend.Name()).
		WithField("policies", len(a.policies.ListPolicies())).
		Debug("Initialized")

	return a, nil
}

// Close releases observers and the history database and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close(ctx))
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// closeApp releases a and joins any shutdown failure into *errp.
func closeApp(ctx context.Context, a *app, errp *error) {
	if err := a.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown failed")
		*errp = errors.Join(*errp, err)
	}
}

// newBackend creates the state backend selected in settings.
func newBackend(ctx context.Context, p *project) (engine.StateBackend, error) {
	switch p.settings.State.Backend {
	case "s3":
		s3 := p.settings.State.S3
		return stores.NewS3Backend(ctx, stores.S3Config{
			Bucket:  s3.Bucket,
			Key:     s3.Key,
			Region:  s3.Region,
			Profile: s3.Profile,
		})
	default:
		return stores.NewFileBackend(p.statePath()), nil
	}
}

// newTelemetry maps the settings onto the telemetry configuration.
func newTelemetry(s *config.Settings, metricsTextfile string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = logLevel(s.Telemetry.LogLevel)
	cfg.Logging.Format = s.Telemetry.LogFormat
	cfg.Tracing.Exporter = s.Telemetry.TraceExporter
	cfg.Tracing.Enabled = s.Telemetry.TraceExporter != "none"
	cfg.Tracing.Endpoint = s.Telemetry.TraceEndpoint
	cfg.Tracing.SamplingRate = s.Telemetry.SamplingRate
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsListen
	cfg.Metrics.TextfilePath = s.Telemetry.MetricsTextfile
	if metricsTextfile != "" {
		cfg.Metrics.TextfilePath = metricsTextfile
	}
	return telemetry.NewTelemetry(cfg)
}

// logLevel picks the library log level: --verbose, then settings, then
// LOG_LEVEL, then warn.
func logLevel(configured string) string {
	if verbose {
		return "debug"
	}
	if configured != "" {
		return configured
	}
	switch level := strings.ToLower(os.Getenv("LOG_LEVEL")); level {
	case "trace", "debug", "info", "warn", "error":
		return level
	}
	return "warn"
}
