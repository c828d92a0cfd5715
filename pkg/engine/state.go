package engine

import "time"

// UpdateState builds the state to persist after observing results.
//
// The observation map is built fresh from results alone: keys that were
// persisted before but are not part of this run are dropped. lastAppliedAt is
// the only field carried forward from previous; lastValidatedAt is stamped
// with now for every key.
func UpdateState(previous *PersistedState, results []ObservationResult, manifestHash string, now time.Time) *PersistedState {
	hash := manifestHash
	next := &PersistedState{
		ManifestHash: &hash,
		Observations: make(map[string]ObservationRecord, len(results)),
	}

	stamp := now.UTC()
	for _, r := range results {
		record := ObservationRecord{
			Status:          r.Status,
			Evidence:        r.Evidence,
			LastValidatedAt: stamp,
		}
		if record.Evidence == nil {
			record.Evidence = Map{}
		}
		if previous != nil {
			if prev, ok := previous.Observations[r.Key]; ok && prev.LastAppliedAt != nil {
				applied := *prev.LastAppliedAt
				record.LastAppliedAt = &applied
			}
		}
		next.Observations[r.Key] = record
	}

	return next
}

// MarkApplied stamps lastAppliedAt on every listed key present in state.
func MarkApplied(state *PersistedState, keys []string, now time.Time) {
	stamp := now.UTC()
	for _, key := range keys {
		record, ok := state.Observations[key]
		if !ok {
			continue
		}
		applied := stamp
		record.LastAppliedAt = &applied
		state.Observations[key] = record
	}
}
