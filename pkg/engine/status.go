package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome of observing one declared state.
type Status string

const (
	// StatusHealthy indicates the declared state already holds.
	StatusHealthy Status = "healthy"

	// StatusMissing indicates the declared state does not hold.
	StatusMissing Status = "missing"

	// StatusUnknown indicates the observer could not decide, for example
	// because the state configuration is malformed or the observer failed.
	// It is never the same thing as missing.
	StatusUnknown Status = "unknown"
)

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s == StatusHealthy
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusHealthy, StatusMissing, StatusUnknown:
		return nil
	default:
		return fmt.Errorf("invalid status: %q", string(s))
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// EdgeKind distinguishes why one service points at another.
type EdgeKind string

const (
	// EdgeRequires is an explicit requires.services entry.
	EdgeRequires EdgeKind = "requires"

	// EdgeConsumes is a consumes.env binding onto another service's variable.
	EdgeConsumes EdgeKind = "consumes"
)

// RunMode records how a report was produced.
type RunMode string

const (
	// RunModeSync observes every plan item and persists the results.
	RunModeSync RunMode = "sync"

	// RunModeStatus reports persisted results without observing.
	RunModeStatus RunMode = "status"

	// RunModeLive observes every plan item without persisting.
	RunModeLive RunMode = "live"
)

// Validate checks if the run mode is valid.
func (m RunMode) Validate() error {
	switch m {
	case RunModeSync, RunModeStatus, RunModeLive:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %q", string(m))
	}
}
