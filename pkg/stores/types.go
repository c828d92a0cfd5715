package stores

import (
	"context"
	"time"

	"github.com/openfroyo/devstate/pkg/engine"
)

// Run is one recorded reconciliation pass.
type Run struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	Intent       string    `json:"intent"`
	Project      string    `json:"project,omitempty"`
	ManifestPath string    `json:"manifest_path"`
	ManifestHash string    `json:"manifest_hash"`
	Stale        bool      `json:"stale"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	Healthy      int       `json:"healthy"`
	Missing      int       `json:"missing"`
	Unknown      int       `json:"unknown"`
	Total        int       `json:"total"`
	Compliant    bool      `json:"compliant"`
	Violations   int       `json:"violations"`
}

// Duration is how long the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Observation is one recorded result of a run.
type Observation struct {
	RunID          string     `json:"run_id"`
	Key            string     `json:"key"`
	Service        string     `json:"service"`
	State          string     `json:"state"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	Evidence       engine.Map `json:"evidence"`
	ObservedAt     time.Time  `json:"observed_at"`
	DurationMs     int64      `json:"duration_ms"`
}

// HistoryStore defines the run history persistence layer.
type HistoryStore interface {
	engine.HistoryRecorder

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)

	// GetRun returns one run by ID or by unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListObservations returns the results of a run in plan order.
	ListObservations(ctx context.Context, runID string) ([]*Observation, error)

	// KeyHistory returns recent results for one service:state key.
	KeyHistory(ctx context.Context, key string, limit int) ([]*Observation, error)

	// Prune keeps the newest keep runs and deletes the rest.
	Prune(ctx context.Context, keep int) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
