package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/openfroyo/devstate/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism is the number of observers run at once when unset.
const DefaultParallelism = 4

// Scheduler runs the observers of a plan with bounded concurrency.
//
// Results always come back in plan order regardless of completion order.
// Items not yet started when the context is cancelled are reported as
// unknown with the context error as evidence.
type Scheduler struct {
	dispatcher  Dispatcher
	parallelism int
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	now         func() time.Time
}

// SchedulerOptions configures a Scheduler. Only Dispatcher is required.
type SchedulerOptions struct {
	Dispatcher  Dispatcher
	Parallelism int
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Now         func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Scheduler{
		dispatcher:  opts.Dispatcher,
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         opts.Now,
	}
}

// ObserveAll observes every item. It returns ctx.Err() alongside the results
// when the context was cancelled, so callers can refuse to persist them.
func (s *Scheduler) ObserveAll(ctx context.Context, projectRoot string, items []PlanItem) ([]ObservationResult, error) {
	results := make([]ObservationResult, len(items))

	var g errgroup.Group
	g.SetLimit(s.parallelism)

	for i := range items {
		g.Go(func() error {
			results[i] = s.observe(ctx, projectRoot, items[i])
			return nil
		})
	}
	_ = g.Wait()

	return results, ctx.Err()
}

// observe runs a single item through the dispatcher.
func (s *Scheduler) observe(ctx context.Context, projectRoot string, item PlanItem) ObservationResult {
	result := ObservationResult{
		Key:     item.Key(),
		Service: item.ServiceName,
		State:   item.StateID,
		Type:    item.Type,
	}

	if err := ctx.Err(); err != nil {
		result.Observation = Observation{
			Status:   StatusUnknown,
			Evidence: Map{"error": String(err.Error())},
		}
		result.ObservedAt = s.now().UTC()
		return result
	}

	ctx, span := s.tracer.StartObserveSpan(ctx, result.Key, item.Type)
	defer span.End()

	req := ObserveRequest{
		ProjectRoot: projectRoot,
		ServiceRoot: serviceRoot(projectRoot, item),
		Item:        item,
	}

	started := s.now()
	obs := s.dispatcher.Dispatch(ctx, req)
	elapsed := s.now().Sub(started)

	if obs.Evidence == nil {
		obs.Evidence = Map{}
	}

	result.Observation = obs
	result.ObservedAt = started.UTC()
	result.DurationMs = elapsed.Milliseconds()

	span.SetAttributes(telemetry.AttrStatus.String(string(obs.Status)))
	s.metrics.RecordObservation(item.Type, string(obs.Status), elapsed)
	if _, failed := obs.Evidence["error"]; failed && obs.Status == StatusUnknown {
		s.metrics.RecordObserverError(item.Type)
	}

	s.logger.WithItem(item.ServiceName, item.StateID, item.Type).
		WithField("status", obs.Status).
		Debugf("observed in %dms", result.DurationMs)

	return result
}

// serviceRoot resolves the absolute root of the item's service.
func serviceRoot(projectRoot string, item PlanItem) string {
	if item.Service == nil {
		return projectRoot
	}
	root := item.Service.RootDir()
	if filepath.IsAbs(root) {
		return filepath.Clean(root)
	}
	return filepath.Join(projectRoot, root)
}
