package engine

import (
	"context"
	"reflect"
	"time"
)

// StepResult is the outcome of Step.Do or Step.Undo.
type StepResult struct {
	Status StepStatus
	Err    error
}

// Success returns a successful step result.
func Success() StepResult {
	return StepResult{Status: StepStatusSuccess}
}

// RetryableFailure returns a failure the engine retries per the step's RetryPolicy.
func RetryableFailure(err error) StepResult {
	return StepResult{Status: StepStatusRetry, Err: err}
}

// FatalFailure returns a failure that immediately ends the current phase.
func FatalFailure(err error) StepResult {
	return StepResult{Status: StepStatusFatal, Err: err}
}

// IsSuccess reports whether the step succeeded.
func (r StepResult) IsSuccess() bool {
	return r.Status == StepStatusSuccess
}

// Step is an atomic unit of work with a compensating action.
//
// Do and Undo may each run zero, one or many times because of retries and
// crash recovery, so both must be idempotent.
type Step interface {
	Do(ctx context.Context, fc *FlightContext) StepResult
	Undo(ctx context.Context, fc *FlightContext) StepResult
}

// Reversibility is implemented by steps that can opt out of compensation.
type Reversibility interface {
	Reversible() bool
}

// NoUndo marks a step as non-reversible. Embed it in steps whose effect
// cannot be compensated, such as a completed cloud delete; the engine never
// invokes Undo on such steps.
type NoUndo struct{}

// Undo is a guaranteed no-op.
func (NoUndo) Undo(context.Context, *FlightContext) StepResult {
	return Success()
}

// Reversible implements Reversibility.
func (NoUndo) Reversible() bool {
	return false
}

// IsReversible reports whether the engine will run the step's Undo.
func IsReversible(s Step) bool {
	if r, ok := s.(Reversibility); ok {
		return r.Reversible()
	}
	return true
}

// KeyDeclarer is implemented by steps that declare the working map keys
// they read and write. Writes to any other key fail the step.
type KeyDeclarer interface {
	Reads() []string
	Writes() []string
}

// StepName returns a readable name for a step.
func StepName(s Step) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	t := reflect.TypeOf(s)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// StepFunc adapts plain functions to the Step interface.
type StepFunc struct {
	StepName string
	DoFn     func(ctx context.Context, fc *FlightContext) StepResult
	UndoFn   func(ctx context.Context, fc *FlightContext) StepResult
}

// Name returns the configured step name.
func (s StepFunc) Name() string {
	return s.StepName
}

// Do runs DoFn.
func (s StepFunc) Do(ctx context.Context, fc *FlightContext) StepResult {
	if s.DoFn == nil {
		return Success()
	}
	return s.DoFn(ctx, fc)
}

// Undo runs UndoFn.
func (s StepFunc) Undo(ctx context.Context, fc *FlightContext) StepResult {
	if s.UndoFn == nil {
		return Success()
	}
	return s.UndoFn(ctx, fc)
}

// FlightContext is handed to every step invocation.
type FlightContext struct {
	FlightID   string
	FlightType string
	Direction  Direction
	StepIndex  int
	StepName   string
	Attempt    int

	inputs  *FlightMap
	working *WorkingMap
}

// Inputs returns the immutable input parameters.
func (fc *FlightContext) Inputs() *FlightMap {
	return fc.inputs
}

// WorkingMap returns the flight's scratch space.
func (fc *FlightContext) WorkingMap() *WorkingMap {
	return fc.working
}

// NewFlightContext builds a context for invoking steps outside the engine,
// such as nested deletes that reuse another flight's steps.
func NewFlightContext(flightID, flightType string, inputs *FlightMap, working *WorkingMap) *FlightContext {
	if inputs == nil {
		inputs = NewFlightMap()
	}
	if working == nil {
		working = NewWorkingMap()
	}
	return &FlightContext{
		FlightID:   flightID,
		FlightType: flightType,
		Direction:  DirectionDo,
		inputs:     inputs,
		working:    working,
	}
}

// StepLog is the durable completion marker for one step invocation.
type StepLog struct {
	FlightID    string     `json:"flight_id"`
	StepIndex   int        `json:"step_index"`
	StepName    string     `json:"step_name"`
	Direction   Direction  `json:"direction"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}
