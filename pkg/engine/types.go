package engine

import (
	"fmt"
	"time"
)

// StepEntry pairs a step with its retry policy.
type StepEntry struct {
	Name  string
	Step  Step
	Retry RetryPolicy
}

// Flight is an ordered list of steps executed as one saga.
type Flight struct {
	Type  string
	Steps []StepEntry
}

// FlightBuilder assembles a flight's steps.
type FlightBuilder struct {
	flightType string
	steps      []StepEntry
}

// NewFlightBuilder starts a flight of the given type.
func NewFlightBuilder(flightType string) *FlightBuilder {
	return &FlightBuilder{flightType: flightType}
}

// AddStep appends a step. A nil policy means NoRetry.
func (b *FlightBuilder) AddStep(step Step, retry RetryPolicy) *FlightBuilder {
	if retry == nil {
		retry = NoRetry{}
	}
	b.steps = append(b.steps, StepEntry{
		Name:  StepName(step),
		Step:  step,
		Retry: retry,
	})
	return b
}

// Len returns the number of steps added so far.
func (b *FlightBuilder) Len() int {
	return len(b.steps)
}

// Build returns the assembled flight.
func (b *FlightBuilder) Build() (*Flight, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("flight %s has no steps", b.flightType)
	}
	return &Flight{Type: b.flightType, Steps: b.steps}, nil
}

// Factory builds a flight from its inputs. Factories are registered per
// flight type so unresolved flights can be rebuilt after a restart.
type Factory func(inputs *FlightMap) (*Flight, error)

// FlightRecord is the durable state of a flight.
type FlightRecord struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Owner       string       `json:"owner"`
	Status      FlightStatus `json:"status"`
	Direction   Direction    `json:"direction"`
	StepIndex   int          `json:"step_index"`
	Inputs      *FlightMap   `json:"inputs"`
	Working     *WorkingMap  `json:"working"`
	Error       *ErrorReport `json:"error,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// FlightState is the read-only view of a flight handed to callers and hooks.
type FlightState struct {
	ID     string
	Type   string
	Owner  string
	Status FlightStatus
	Inputs *FlightMap
	// Result is the working map; it is the flight's result map once terminal.
	Result      *WorkingMap
	Err         *FlightError
	SubmittedAt time.Time
	CompletedAt *time.Time
}

// StateFromRecord converts a durable record into a FlightState.
func StateFromRecord(rec *FlightRecord) *FlightState {
	state := &FlightState{
		ID:          rec.ID,
		Type:        rec.Type,
		Owner:       rec.Owner,
		Status:      rec.Status,
		Inputs:      rec.Inputs,
		Result:      rec.Working,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Error != nil {
		state.Err = &FlightError{Report: *rec.Error}
	}
	return state
}

// FlightFilter selects flights for enumeration.
type FlightFilter struct {
	Owner  string
	Offset int
	Limit  int
}

// SubmitRequest describes a flight to launch.
type SubmitRequest struct {
	FlightID   string
	FlightType string
	Owner      string
	Inputs     *FlightMap
}
