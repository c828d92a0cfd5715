package engine

import (
	"fmt"
)

// FallbackIntent is the intent selected when the manifest names no default.
const FallbackIntent = "feature"

// ResolveIntent selects the intent to plan.
//
// An explicit name must exist. Without one, the manifest's defaultIntent is
// used, then an intent named "feature", then the first declared intent.
func ResolveIntent(m *Manifest, name string) (*Intent, error) {
	if name != "" {
		in, ok := m.Intent(name)
		if !ok {
			return nil, NewPermanentError("intent not found", nil).
				WithCode(ErrCodeIntentNotFound).
				WithResource(name)
		}
		return in, nil
	}

	if m.DefaultIntent != "" {
		in, ok := m.Intent(m.DefaultIntent)
		if !ok {
			return nil, NewPermanentError("default intent not found", nil).
				WithCode(ErrCodeIntentNotFound).
				WithResource(m.DefaultIntent)
		}
		return in, nil
	}

	if in, ok := m.Intent(FallbackIntent); ok {
		return in, nil
	}

	if len(m.Intents) == 0 {
		return nil, NewPermanentError("manifest declares no intents", nil).
			WithCode(ErrCodeNoIntents)
	}

	return m.Intents[0], nil
}

// BuildPlan expands an intent into its ordered plan items.
//
// Items follow the intent's desired.services order, then the order of each
// service's desired state list. The dependency graph is not consulted. Any
// resolution failure returns no partial plan.
func BuildPlan(m *Manifest, intentName string) (*Plan, error) {
	intent, err := ResolveIntent(m, intentName)
	if err != nil {
		return nil, err
	}

	items, err := expandIntent(m, intent)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Intent: intent.Name,
		Items:  items,
	}, nil
}

// expandIntent resolves every (service, state) pair named by an intent.
func expandIntent(m *Manifest, intent *Intent) ([]PlanItem, error) {
	items := make([]PlanItem, 0)
	seen := make(map[string]struct{})

	for _, desired := range intent.Desired {
		svc, ok := m.Service(desired.Service)
		if !ok {
			return nil, NewPermanentError("service not found", nil).
				WithCode(ErrCodeServiceNotFound).
				WithResource(desired.Service).
				WithDetail("intent", intent.Name)
		}

		for _, stateID := range desired.States {
			def, ok := svc.State(stateID)
			if !ok {
				return nil, NewPermanentError("state not found", nil).
					WithCode(ErrCodeStateNotFound).
					WithResource(StateKey(svc.Name, stateID)).
					WithDetail("intent", intent.Name)
			}
			if def.Type == "" {
				return nil, NewPermanentError("state declares no type", nil).
					WithCode(ErrCodeStateNotFound).
					WithResource(StateKey(svc.Name, stateID)).
					WithDetail("intent", intent.Name)
			}

			key := StateKey(svc.Name, def.ID)
			if _, dup := seen[key]; dup {
				return nil, NewPermanentError("state listed more than once", nil).
					WithCode(ErrCodeSchema).
					WithResource(key).
					WithDetail("intent", intent.Name)
			}
			seen[key] = struct{}{}

			items = append(items, PlanItem{
				ServiceName: svc.Name,
				StateID:     def.ID,
				Type:        def.Type,
				Config:      def.Config,
				Service:     svc,
			})
		}
	}

	return items, nil
}

// ValidationResult collects every problem found in a manifest.
type ValidationResult struct {
	// Errors are plan resolution failures, one per failing intent.
	Errors []error `json:"-"`

	// Warnings are graph diagnostics that never fail a run.
	Warnings []string `json:"warnings"`

	// Intents maps each intent that planned cleanly to its item count.
	Intents map[string]int `json:"intents"`
}

// Valid reports whether no errors were found.
func (v *ValidationResult) Valid() bool {
	return len(v.Errors) == 0
}

// ValidateManifest plans every declared intent and gathers graph diagnostics.
func ValidateManifest(m *Manifest) *ValidationResult {
	result := &ValidationResult{
		Intents: make(map[string]int),
	}

	if len(m.Intents) == 0 {
		result.Errors = append(result.Errors,
			NewPermanentError("manifest declares no intents", nil).WithCode(ErrCodeNoIntents))
	}

	if m.DefaultIntent != "" {
		if _, ok := m.Intent(m.DefaultIntent); !ok {
			result.Errors = append(result.Errors,
				NewPermanentError("default intent not found", nil).
					WithCode(ErrCodeIntentNotFound).
					WithResource(m.DefaultIntent))
		}
	}

	for _, intent := range m.Intents {
		items, err := expandIntent(m, intent)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("intent %q: %w", intent.Name, err))
			continue
		}
		result.Intents[intent.Name] = len(items)
	}

	graph := BuildGraph(m)
	for _, e := range graph.Dangling() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("service %q references undeclared service %q (%s)", e.From, e.To, e.Reason))
	}
	for _, cycle := range graph.Cycles() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("dependency cycle: %s", FormatCycle(cycle)))
	}

	return result
}
