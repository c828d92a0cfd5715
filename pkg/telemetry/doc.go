// Package telemetry provides logging, tracing and metrics for devstate.
//
// Logging uses zerolog, tracing uses OpenTelemetry and metrics use a private
// Prometheus registry. The reconciler and scheduler accept nil *Tracer and
// nil *Metrics, so tests and one-shot commands pay nothing for them.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("observers")
//	logger.WithItem("api", "deps", "package.deps").Debug("observing")
//
// # Spans
//
//	reconcile.sync / reconcile.status / reconcile.live   one per run
//	plan.build                                           intent expansion
//	observe.item                                         one per plan item
//
// # Metrics
//
//   - devstate_runs_total{intent,compliant}
//   - devstate_run_duration_seconds{mode}
//   - devstate_observations_total{type,status}
//   - devstate_observation_duration_seconds{type}
//   - devstate_observer_errors_total{type}
//   - devstate_state_writes_total{backend}
//   - devstate_errors_by_code_total{code}
//
// The registry is served over HTTP by Metrics.Serve (watch mode) or written
// to a node exporter textfile by Metrics.WriteTextfile.
package telemetry
