package engine

import (
	"encoding/json"
	"fmt"
)

// Status represents the execution status of a step.
type Status string

const (
	// StatusPending indicates the step has not run yet.
	StatusPending Status = "pending"

	// StatusSubmitted indicates remote work was requested and is still in progress.
	StatusSubmitted Status = "submitted"

	// StatusComplete indicates the step finished successfully.
	StatusComplete Status = "complete"

	// StatusSkipped indicates there was nothing to do, or a dependency failed.
	StatusSkipped Status = "skipped"

	// StatusFailed indicates the step operation failed.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if no further transitions occur from this status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusSkipped || s == StatusFailed
}

// IsSuccessful returns true if dependents may start after this status.
func (s Status) IsSuccessful() bool {
	return s == StatusComplete || s == StatusSkipped
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusSubmitted, StatusComplete, StatusSkipped, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
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

// Direction is the traversal direction of a plan.
type Direction string

const (
	// DirectionForward runs dependencies before dependents (build order).
	DirectionForward Direction = "forward"

	// DirectionReverse runs dependents before dependencies (teardown order).
	DirectionReverse Direction = "reverse"
)

// Validate checks if the direction is valid.
func (d Direction) Validate() error {
	switch d {
	case DirectionForward, DirectionReverse:
		return nil
	default:
		return fmt.Errorf("invalid direction: %s", d)
	}
}
