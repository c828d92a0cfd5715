package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingHistory struct {
	reports []*Report
	err     error
}

func (h *recordingHistory) RecordRun(ctx context.Context, report *Report) error {
	h.reports = append(h.reports, report)
	return h.err
}

type fixedPolicy struct {
	violations []PolicyViolation
	err        error
}

func (p *fixedPolicy) EvaluateReport(ctx context.Context, report *Report, m *Manifest) ([]PolicyViolation, error) {
	return p.violations, p.err
}

func newTestReconciler(t *testing.T, dispatcher Dispatcher, backend StateBackend, opts ...func(*ReconcilerOptions)) *Reconciler {
	t.Helper()
	o := ReconcilerOptions{
		Dispatcher: dispatcher,
		Backend:    backend,
		Now:        fixedClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	r, err := NewReconciler(o)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func defaultStatuses() map[string]Status {
	return map[string]Status{
		"package.deps": StatusHealthy,
		"env.inherit":  StatusHealthy,
		"process.http": StatusMissing,
		"env.export":   StatusHealthy,
		"db.schema":    StatusUnknown,
	}
}

func TestReconciler_SyncPersistsResults(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	history := &recordingHistory{}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), backend, func(o *ReconcilerOptions) {
		o.History = history
	})

	report, err := r.Sync(context.Background(), RunRequest{
		Manifest:     m,
		ManifestPath: "/project/devstate.yaml",
		ProjectRoot:  "/project",
		ManifestHash: "hash-1",
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if report.Intent != "feature" {
		t.Errorf("Expected feature intent, got %s", report.Intent)
	}
	if report.Summary != (Summary{Healthy: 3, Missing: 1, Total: 4}) {
		t.Errorf("Unexpected summary %+v", report.Summary)
	}
	if report.Stale || report.PreviousHash != nil {
		t.Error("First run must not be stale")
	}
	if report.RunID == "" {
		t.Error("Expected a run ID")
	}

	if backend.writes != 1 {
		t.Fatalf("Expected 1 write, got %d", backend.writes)
	}
	if *backend.state.ManifestHash != "hash-1" {
		t.Errorf("Expected persisted hash hash-1, got %s", *backend.state.ManifestHash)
	}
	if len(backend.state.Observations) != 4 {
		t.Errorf("Expected 4 persisted observations, got %d", len(backend.state.Observations))
	}
	if len(history.reports) != 1 {
		t.Errorf("Expected run recorded in history, got %d", len(history.reports))
	}
}

func TestReconciler_SyncIsIdempotentAndStaleAware(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	dispatcher := newStubDispatcher(defaultStatuses())
	r := newTestReconciler(t, dispatcher, backend)

	req := RunRequest{Manifest: m, ProjectRoot: "/project", ManifestHash: "hash-1"}
	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	second, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if second.Stale {
		t.Error("Unchanged manifest must not be stale")
	}
	if dispatcher.callCount() != 8 {
		t.Errorf("Expected every item revalidated on each run, got %d dispatches", dispatcher.callCount())
	}
	for _, res := range second.Results {
		if res.PreviousStatus != res.Status {
			t.Errorf("%s: expected previous status %s, got %s", res.Key, res.Status, res.PreviousStatus)
		}
	}

	req.ManifestHash = "hash-2"
	third, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("third Sync: %v", err)
	}
	if !third.Stale || *third.PreviousHash != "hash-1" {
		t.Errorf("Expected stale report against hash-1, got stale=%v", third.Stale)
	}
}

func TestReconciler_SyncDropsKeysOutsideIntent(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), backend)

	if _, err := r.Sync(context.Background(), RunRequest{Manifest: m, ManifestHash: "h"}); err != nil {
		t.Fatalf("Sync feature: %v", err)
	}
	if _, err := r.Sync(context.Background(), RunRequest{Manifest: m, ManifestHash: "h", Intent: "backend"}); err != nil {
		t.Fatalf("Sync backend: %v", err)
	}

	if len(backend.state.Observations) != 2 {
		t.Fatalf("Expected only backend keys, got %v", backend.state.Observations)
	}
	if _, ok := backend.state.Observations["web:deps"]; ok {
		t.Error("Expected web:deps to be dropped")
	}
}

func TestReconciler_MarkAppliedCarriesForward(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), backend)

	req := RunRequest{Manifest: m, ManifestHash: "h", MarkApplied: true}
	if _, err := r.Sync(context.Background(), req); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	applied := backend.state.Observations["api:deps"].LastAppliedAt
	if applied == nil {
		t.Fatal("Expected lastAppliedAt on healthy key")
	}
	if backend.state.Observations["api:http"].LastAppliedAt != nil {
		t.Error("Missing keys must not be marked applied")
	}

	req.MarkApplied = false
	report, err := r.Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	carried := backend.state.Observations["api:deps"].LastAppliedAt
	if carried == nil || !carried.Equal(*applied) {
		t.Errorf("Expected lastAppliedAt %v carried forward, got %v", applied, carried)
	}
	for _, res := range report.Results {
		if res.Key == "api:deps" && (res.LastAppliedAt == nil || !res.LastAppliedAt.Equal(*applied)) {
			t.Errorf("Expected report to carry lastAppliedAt, got %v", res.LastAppliedAt)
		}
	}
}

func TestReconciler_SyncPlanErrorWritesNothing(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	dispatcher := newStubDispatcher(defaultStatuses())
	r := newTestReconciler(t, dispatcher, backend)

	_, err := r.Sync(context.Background(), RunRequest{Manifest: m, Intent: "broken"})
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("Expected ServiceNotFound, got %v", err)
	}
	if backend.writes != 0 || dispatcher.callCount() != 0 {
		t.Error("Expected no observation and no write after a plan error")
	}
}

func TestReconciler_SyncCorruptStateIsFatal(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{
		loadErr: NewPermanentError("state file is not valid JSON", nil).WithCode(ErrCodeCorruptState),
	}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), backend)

	_, err := r.Sync(context.Background(), RunRequest{Manifest: m})
	if !errors.Is(err, ErrCorruptState) {
		t.Fatalf("Expected CorruptState, got %v", err)
	}
}

func TestReconciler_SyncCancelledDoesNotPersist(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Sync(ctx, RunRequest{Manifest: m})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if backend.writes != 0 {
		t.Error("Cancelled run must not be persisted")
	}
}

func TestReconciler_HistoryFailureIsNotFatal(t *testing.T) {
	m := newTestManifest(t)
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), &memoryBackend{}, func(o *ReconcilerOptions) {
		o.History = &recordingHistory{err: errors.New("disk full")}
	})

	if _, err := r.Sync(context.Background(), RunRequest{Manifest: m}); err != nil {
		t.Fatalf("Expected history failure to be ignored, got %v", err)
	}
}

func TestReconciler_PolicyViolationsAttached(t *testing.T) {
	m := newTestManifest(t)
	policy := &fixedPolicy{violations: []PolicyViolation{
		{Policy: "unknown-states", Message: "1 unknown", Severity: "warning"},
	}}
	r := newTestReconciler(t, newStubDispatcher(defaultStatuses()), &memoryBackend{}, func(o *ReconcilerOptions) {
		o.Policy = policy
	})

	report, err := r.Sync(context.Background(), RunRequest{Manifest: m})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(report.Violations) != 1 || report.Violations[0].Policy != "unknown-states" {
		t.Errorf("Expected policy violation attached, got %v", report.Violations)
	}
}

func TestReconciler_StatusReadsPersistedRecords(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	dispatcher := newStubDispatcher(defaultStatuses())
	r := newTestReconciler(t, dispatcher, backend)

	before, err := r.Status(context.Background(), RunRequest{Manifest: m, ManifestHash: "h"}, false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if before.Summary.Unknown != 4 {
		t.Errorf("Expected all unknown before first sync, got %+v", before.Summary)
	}
	if reason, _ := before.Results[0].Evidence.GetString("reason"); reason != "never validated" {
		t.Errorf("Expected never validated reason, got %q", reason)
	}

	if _, err := r.Sync(context.Background(), RunRequest{Manifest: m, ManifestHash: "h"}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	calls := dispatcher.callCount()

	after, err := r.Status(context.Background(), RunRequest{Manifest: m, ManifestHash: "h2"}, false)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if dispatcher.callCount() != calls {
		t.Error("Status without live must not observe")
	}
	if after.Mode != RunModeStatus || !after.Stale {
		t.Errorf("Expected stale status report, got mode=%s stale=%v", after.Mode, after.Stale)
	}
	if after.Summary != (Summary{Healthy: 3, Missing: 1, Total: 4}) {
		t.Errorf("Unexpected summary %+v", after.Summary)
	}
	if backend.writes != 1 {
		t.Errorf("Status must not write state, got %d writes", backend.writes)
	}
}

func TestReconciler_StatusLiveObservesWithoutPersisting(t *testing.T) {
	m := newTestManifest(t)
	backend := &memoryBackend{}
	dispatcher := newStubDispatcher(defaultStatuses())
	r := newTestReconciler(t, dispatcher, backend)

	report, err := r.Status(context.Background(), RunRequest{Manifest: m, Intent: "backend"}, true)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if report.Mode != RunModeLive {
		t.Errorf("Expected live mode, got %s", report.Mode)
	}
	if dispatcher.callCount() != 2 {
		t.Errorf("Expected 2 observations, got %d", dispatcher.callCount())
	}
	if report.Summary != (Summary{Healthy: 1, Unknown: 1, Total: 2}) {
		t.Errorf("Unexpected summary %+v", report.Summary)
	}
	if backend.writes != 0 {
		t.Error("Live status must not write state")
	}
}

func TestNewReconciler_RequiresCollaborators(t *testing.T) {
	if _, err := NewReconciler(ReconcilerOptions{Backend: &memoryBackend{}}); err == nil {
		t.Error("Expected error without dispatcher")
	}
	if _, err := NewReconciler(ReconcilerOptions{Dispatcher: newStubDispatcher(nil)}); err == nil {
		t.Error("Expected error without backend")
	}
}
