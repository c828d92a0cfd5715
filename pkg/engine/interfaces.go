package engine

import (
	"context"
)

// ObserveRequest is everything an observer receives for one plan item.
type ObserveRequest struct {
	// ProjectRoot is the absolute directory of the manifest.
	ProjectRoot string

	// ServiceRoot is the absolute service root.
	ServiceRoot string

	// Item is the plan item being observed.
	Item PlanItem
}

// Observer inspects reality for one state type without mutating anything.
//
// Observe returns missing or unknown as normal outcomes. An error means the
// state configuration is malformed or the observer itself failed; the
// dispatcher turns it into an unknown observation carrying the error text.
type Observer interface {
	Observe(ctx context.Context, req ObserveRequest) (Observation, error)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, req ObserveRequest) (Observation, error)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, req ObserveRequest) (Observation, error) {
	return f(ctx, req)
}

// Dispatcher routes a request to the observer registered for its type.
// Dispatch never fails; every outcome is an Observation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ObserveRequest) Observation
}

// StateBackend loads and writes the persisted state.
type StateBackend interface {
	// Load returns the persisted state, or an empty state if none exists.
	Load(ctx context.Context) (*PersistedState, error)

	// Write replaces the persisted state.
	Write(ctx context.Context, state *PersistedState) error

	// Name identifies the backend in logs and metrics.
	Name() string
}

// HistoryRecorder appends completed runs to an audit history.
type HistoryRecorder interface {
	RecordRun(ctx context.Context, report *Report) error
}

// PolicyEvaluator checks a finished report against policies.
type PolicyEvaluator interface {
	EvaluateReport(ctx context.Context, report *Report, manifest *Manifest) ([]PolicyViolation, error)
}
