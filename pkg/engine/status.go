package engine

import (
	"encoding/json"
	"fmt"
)

// FlightStatus represents the lifecycle status of a flight.
type FlightStatus string

const (
	// FlightStatusRunning indicates the flight is queued or executing.
	FlightStatusRunning FlightStatus = "RUNNING"

	// FlightStatusSuccess indicates every step completed.
	FlightStatusSuccess FlightStatus = "SUCCESS"

	// FlightStatusError indicates a step failed and every completed step was undone.
	FlightStatusError FlightStatus = "ERROR"

	// FlightStatusFatal indicates an undo step failed. Persisted and actual
	// state may have diverged and need operator attention.
	FlightStatusFatal FlightStatus = "FATAL"
)

// IsTerminal returns true if the flight status represents a final state.
func (s FlightStatus) IsTerminal() bool {
	return s == FlightStatusSuccess || s == FlightStatusError || s == FlightStatusFatal
}

// IsActive returns true if the flight is still running.
func (s FlightStatus) IsActive() bool {
	return s == FlightStatusRunning
}

// Validate checks if the flight status is valid.
func (s FlightStatus) Validate() error {
	switch s {
	case FlightStatusRunning, FlightStatusSuccess, FlightStatusError, FlightStatusFatal:
		return nil
	default:
		return fmt.Errorf("invalid flight status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s FlightStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlightStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := FlightStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// Direction is the phase a flight is executing.
type Direction string

const (
	// DirectionDo runs steps forward.
	DirectionDo Direction = "DO"

	// DirectionUndo runs compensating actions in reverse.
	DirectionUndo Direction = "UNDO"
)

// Validate checks if the direction is valid.
func (d Direction) Validate() error {
	switch d {
	case DirectionDo, DirectionUndo:
		return nil
	default:
		return fmt.Errorf("invalid direction: %s", d)
	}
}

// StepStatus is the outcome of a single step invocation.
type StepStatus string

const (
	// StepStatusSuccess means the step completed.
	StepStatusSuccess StepStatus = "SUCCESS"

	// StepStatusRetry means the step failed and may be retried.
	StepStatusRetry StepStatus = "FAILURE_RETRY"

	// StepStatusFatal means the step failed and must not be retried.
	StepStatusFatal StepStatus = "FAILURE_FATAL"

	// StepStatusSkipped is recorded for non-reversible steps during undo.
	StepStatusSkipped StepStatus = "SKIPPED"
)

// IsFailure returns true for both retryable and fatal failures.
func (s StepStatus) IsFailure() bool {
	return s == StepStatusRetry || s == StepStatusFatal
}
