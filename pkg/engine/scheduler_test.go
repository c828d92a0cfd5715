package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestScheduler_ResultsInPlanOrder(t *testing.T) {
	m := newTestManifest(t)
	plan, err := BuildPlan(m, "feature")
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	dispatcher := newStubDispatcher(map[string]Status{
		"package.deps": StatusHealthy,
		"env.inherit":  StatusMissing,
		"process.http": StatusMissing,
	})
	dispatcher.delay = 5 * time.Millisecond

	scheduler := NewScheduler(SchedulerOptions{Dispatcher: dispatcher, Parallelism: 4})
	results, err := scheduler.ObserveAll(context.Background(), "/project", plan.Items)
	if err != nil {
		t.Fatalf("ObserveAll: %v", err)
	}

	if len(results) != len(plan.Items) {
		t.Fatalf("Expected %d results, got %d", len(plan.Items), len(results))
	}
	for i, item := range plan.Items {
		if results[i].Key != item.Key() {
			t.Errorf("Result %d: expected key %s, got %s", i, item.Key(), results[i].Key)
		}
	}

	if results[0].Status != StatusHealthy || results[1].Status != StatusMissing {
		t.Errorf("Unexpected statuses: %s %s", results[0].Status, results[1].Status)
	}

	root, _ := results[0].Evidence.GetString("root")
	if root != filepath.Join("/project", "services/web") {
		t.Errorf("Expected resolved service root, got %s", root)
	}
}

func TestScheduler_RespectsParallelism(t *testing.T) {
	items := make([]PlanItem, 0, 12)
	for i := 0; i < 12; i++ {
		items = append(items, PlanItem{ServiceName: "svc", StateID: string(rune('a' + i)), Type: "package.deps"})
	}

	dispatcher := newStubDispatcher(map[string]Status{"package.deps": StatusHealthy})
	dispatcher.delay = 10 * time.Millisecond

	scheduler := NewScheduler(SchedulerOptions{Dispatcher: dispatcher, Parallelism: 3})
	if _, err := scheduler.ObserveAll(context.Background(), "/project", items); err != nil {
		t.Fatalf("ObserveAll: %v", err)
	}

	if dispatcher.maxSeen > 3 {
		t.Errorf("Expected at most 3 concurrent observations, saw %d", dispatcher.maxSeen)
	}
	if dispatcher.callCount() != 12 {
		t.Errorf("Expected 12 dispatches, got %d", dispatcher.callCount())
	}
}

func TestScheduler_CancelledContext(t *testing.T) {
	items := []PlanItem{
		{ServiceName: "api", StateID: "deps", Type: "package.deps"},
		{ServiceName: "api", StateID: "http", Type: "process.http"},
	}

	dispatcher := newStubDispatcher(map[string]Status{"package.deps": StatusHealthy})
	scheduler := NewScheduler(SchedulerOptions{Dispatcher: dispatcher, Parallelism: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := scheduler.ObserveAll(ctx, "/project", items)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected a result per item, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusUnknown {
			t.Errorf("Expected unknown for %s, got %s", r.Key, r.Status)
		}
		if msg, _ := r.Evidence.GetString("error"); msg != "context canceled" {
			t.Errorf("Expected context canceled evidence, got %q", msg)
		}
	}
	if dispatcher.callCount() != 0 {
		t.Errorf("Expected no dispatches after cancellation, got %d", dispatcher.callCount())
	}
}

func TestScheduler_UnknownTypeEvidence(t *testing.T) {
	items := []PlanItem{{ServiceName: "api", StateID: "custom", Type: "custom.thing"}}

	scheduler := NewScheduler(SchedulerOptions{Dispatcher: newStubDispatcher(nil)})
	results, err := scheduler.ObserveAll(context.Background(), "/project", items)
	if err != nil {
		t.Fatalf("ObserveAll: %v", err)
	}

	if results[0].Status != StatusUnknown {
		t.Errorf("Expected unknown, got %s", results[0].Status)
	}
	if typ, _ := results[0].Evidence.GetString("type"); typ != "custom.thing" {
		t.Errorf("Expected type evidence, got %q", typ)
	}
}
