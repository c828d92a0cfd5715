// Package engine is the reconciliation core of devstate.
//
// # Overview
//
// A manifest declares services, the typed states each service should be in,
// and intents that select a subset of those states. The engine answers one
// question for the selected intent: which declared states already hold?
//
//  1. Graph - derive dependency edges from requires and consumes bindings (BuildGraph)
//  2. Plan - expand an intent into ordered (service, state) items (BuildPlan)
//  3. Observe - dispatch each item to the observer for its type (Scheduler)
//  4. Summarize - count healthy, missing and unknown results (Summarize)
//  5. Persist - replace the persisted state with the new results (UpdateState)
//
// Reconciler ties the phases together for the sync and status commands.
//
// # Core Domain Types
//
//   - Manifest, Service, StateDef, Intent: the loaded declaration
//   - PlanItem, Plan: the expansion of one intent
//   - Observation, ObservationResult: what observers report
//   - PersistedState, ObservationRecord: the durable record of the last run
//   - Report: the complete output of one pass
//
// # Observation Contract
//
// Observers never mutate anything. missing and unknown are normal outcomes,
// never errors:
//
//	type Observer interface {
//	    Observe(ctx context.Context, req ObserveRequest) (Observation, error)
//	}
//
// An observer error means its configuration was malformed or it failed; the
// dispatcher reports it as unknown with the error text in evidence.
//
// # Error Handling
//
// Configuration errors are permanent EngineErrors carrying a taxonomy code
// and match the package sentinels with errors.Is:
//
//	if errors.Is(err, engine.ErrServiceNotFound) {
//	    // intent names an undeclared service
//	}
//
// # Persisted State
//
// Every sync replaces the persisted observations wholesale with the keys of
// the current plan. lastAppliedAt is the only field carried forward. A
// manifest hash that differs from the persisted one marks the report stale;
// it never skips revalidation.
//
// # Values
//
// State configuration and evidence are open bags. Value is a closed tagged
// union (Null, String, Int, Float, Bool, List, Map) so observers can inspect
// them without reflection.
package engine
