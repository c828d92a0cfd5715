package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/devstate/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// RunRequest describes one reconciliation pass.
type RunRequest struct {
	// Manifest is the loaded manifest.
	Manifest *Manifest

	// ManifestPath is the absolute manifest path, reported as-is.
	ManifestPath string

	// ProjectRoot is the directory relative paths resolve against.
	ProjectRoot string

	// ManifestHash is the digest of the raw manifest bytes.
	ManifestHash string

	// Intent is the requested intent name; empty selects the default.
	Intent string

	// MarkApplied stamps lastAppliedAt on every key observed healthy.
	MarkApplied bool
}

// ReconcilerOptions configures a Reconciler. Dispatcher and Backend are required.
type ReconcilerOptions struct {
	Dispatcher  Dispatcher
	Backend     StateBackend
	History     HistoryRecorder
	Policy      PolicyEvaluator
	Parallelism int
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Now         func() time.Time
}

// Reconciler runs the load, plan, observe and persist lifecycle.
type Reconciler struct {
	scheduler *Scheduler
	backend   StateBackend
	history   HistoryRecorder
	policy    PolicyEvaluator
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("reconciler requires a dispatcher")
	}
	if opts.Backend == nil {
		return nil, errors.New("reconciler requires a state backend")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reconciler{
		scheduler: NewScheduler(SchedulerOptions{
			Dispatcher:  opts.Dispatcher,
			Parallelism: opts.Parallelism,
			Logger:      opts.Logger.NewComponentLogger("scheduler"),
			Metrics:     opts.Metrics,
			Tracer:      opts.Tracer,
			Now:         opts.Now,
		}),
		backend: opts.Backend,
		history: opts.History,
		policy:  opts.Policy,
		logger:  opts.Logger.NewComponentLogger("reconciler"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     opts.Now,
	}, nil
}

// Sync observes every item of the selected intent and replaces the persisted
// state with the results. It always revalidates, whether or not the manifest
// changed since the last persisted run.
//
// Nothing is persisted when ctx is cancelled mid-run.
func (r *Reconciler) Sync(ctx context.Context, req RunRequest) (report *Report, err error) {
	runID := uuid.New().String()
	started := r.now()
	logger := r.logger.WithRunID(runID)

	ctx, span := r.tracer.StartRunSpan(ctx, runID, string(RunModeSync), req.Intent)
	defer func() {
		r.finish(span, RunModeSync, started, report, err)
		span.End()
	}()

	plan, err := r.buildPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	previous, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}

	logger.WithField("intent", plan.Intent).
		WithField("items", len(plan.Items)).
		Info("Observing plan")

	results, err := r.scheduler.ObserveAll(ctx, req.ProjectRoot, plan.Items)
	if err != nil {
		return nil, fmt.Errorf("run interrupted, state not persisted: %w", err)
	}
	annotate(results, previous)

	now := r.now()
	next := UpdateState(previous, results, req.ManifestHash, now)
	if req.MarkApplied {
		keys := make([]string, 0, len(results))
		for _, res := range results {
			if res.Status.IsHealthy() {
				keys = append(keys, res.Key)
			}
		}
		MarkApplied(next, keys, now)
	}
	for i := range results {
		results[i].LastAppliedAt = next.Observations[results[i].Key].LastAppliedAt
	}

	if err := r.backend.Write(ctx, next); err != nil {
		return nil, err
	}
	r.metrics.RecordStateWrite(r.backend.Name())

	report = r.newReport(runID, RunModeSync, req, plan, previous, results, started)

	if err := r.evaluatePolicies(ctx, report, req.Manifest); err != nil {
		return nil, err
	}

	if r.history != nil {
		if err := r.history.RecordRun(ctx, report); err != nil {
			logger.WithError(err).Warn("Failed to record run history")
		}
	}

	logger.WithField("healthy", report.Summary.Healthy).
		WithField("missing", report.Summary.Missing).
		WithField("unknown", report.Summary.Unknown).
		WithField("compliant", report.Summary.Compliant()).
		Info("Run completed")

	return report, nil
}

// Status reports the selected intent without writing state.
//
// Without live, results come from the persisted records: nothing is observed
// and an item that was never validated is reported unknown. With live, every
// item is observed but the results are not persisted.
func (r *Reconciler) Status(ctx context.Context, req RunRequest, live bool) (report *Report, err error) {
	mode := RunModeStatus
	if live {
		mode = RunModeLive
	}

	runID := uuid.New().String()
	started := r.now()

	ctx, span := r.tracer.StartRunSpan(ctx, runID, string(mode), req.Intent)
	defer func() {
		r.finish(span, mode, started, report, err)
		span.End()
	}()

	plan, err := r.buildPlan(ctx, req)
	if err != nil {
		return nil, err
	}

	previous, err := r.backend.Load(ctx)
	if err != nil {
		return nil, err
	}

	var results []ObservationResult
	if live {
		results, err = r.scheduler.ObserveAll(ctx, req.ProjectRoot, plan.Items)
		if err != nil {
			return nil, err
		}
		annotate(results, previous)
	} else {
		results = persistedResults(plan.Items, previous)
	}

	report = r.newReport(runID, mode, req, plan, previous, results, started)

	if err := r.evaluatePolicies(ctx, report, req.Manifest); err != nil {
		return nil, err
	}

	return report, nil
}

// buildPlan expands the requested intent under its own span.
func (r *Reconciler) buildPlan(ctx context.Context, req RunRequest) (*Plan, error) {
	_, span := r.tracer.StartSpan(ctx, "plan.build")
	defer span.End()

	plan, err := BuildPlan(req.Manifest, req.Intent)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	plan.ManifestHash = req.ManifestHash
	span.SetAttributes(
		telemetry.AttrIntent.String(plan.Intent),
		telemetry.AttrItemCount.Int(len(plan.Items)),
	)
	return plan, nil
}

// evaluatePolicies attaches policy violations to the report.
func (r *Reconciler) evaluatePolicies(ctx context.Context, report *Report, m *Manifest) error {
	if r.policy == nil {
		return nil
	}
	violations, err := r.policy.EvaluateReport(ctx, report, m)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	report.Violations = violations
	return nil
}

// newReport assembles a report from a finished pass.
func (r *Reconciler) newReport(
	runID string,
	mode RunMode,
	req RunRequest,
	plan *Plan,
	previous *PersistedState,
	results []ObservationResult,
	started time.Time,
) *Report {
	return &Report{
		RunID:        runID,
		Mode:         mode,
		Project:      req.Manifest.Project,
		Intent:       plan.Intent,
		ManifestPath: req.ManifestPath,
		ManifestHash: req.ManifestHash,
		PreviousHash: previous.ManifestHash,
		Stale:        previous.IsStale(req.ManifestHash),
		StartedAt:    started.UTC(),
		CompletedAt:  r.now().UTC(),
		Results:      results,
		Summary:      Summarize(results),
	}
}

// finish records run metrics and the outcome on the run span.
func (r *Reconciler) finish(span trace.Span, mode RunMode, started time.Time, report *Report, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
		if code := CodeOf(err); code != "" {
			span.SetAttributes(telemetry.AttrErrorCode.String(code))
			r.metrics.RecordError(code)
		}
		return
	}
	telemetry.RecordSuccess(span)
	r.metrics.RecordRun(report.Intent, string(mode), report.Summary.Compliant(), r.now().Sub(started))
}

// annotate copies persisted status and lastAppliedAt onto fresh results.
func annotate(results []ObservationResult, previous *PersistedState) {
	for i := range results {
		prev, ok := previous.Observations[results[i].Key]
		if !ok {
			continue
		}
		results[i].PreviousStatus = prev.Status
		if prev.LastAppliedAt != nil {
			applied := *prev.LastAppliedAt
			results[i].LastAppliedAt = &applied
		}
	}
}

// persistedResults builds results from persisted records without observing.
func persistedResults(items []PlanItem, state *PersistedState) []ObservationResult {
	results := make([]ObservationResult, 0, len(items))
	for _, item := range items {
		res := ObservationResult{
			Key:     item.Key(),
			Service: item.ServiceName,
			State:   item.StateID,
			Type:    item.Type,
		}

		record, ok := state.Observations[res.Key]
		if !ok {
			res.Observation = Observation{
				Status:   StatusUnknown,
				Evidence: Map{"reason": String("never validated")},
			}
			results = append(results, res)
			continue
		}

		res.Observation = Observation{Status: record.Status, Evidence: record.Evidence}
		if res.Evidence == nil {
			res.Evidence = Map{}
		}
		res.ObservedAt = record.LastValidatedAt
		res.PreviousStatus = record.Status
		res.LastAppliedAt = record.LastAppliedAt
		results = append(results, res)
	}
	return results
}
