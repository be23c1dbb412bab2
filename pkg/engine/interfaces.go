package engine

import (
	"context"
)

// FlightStore persists flight records and step markers.
type FlightStore interface {
	// CreateFlight inserts a new record. It returns ErrDuplicateFlight if a
	// record with the same id exists.
	CreateFlight(ctx context.Context, rec *FlightRecord) error

	// GetFlight returns ErrFlightNotFound if the record does not exist.
	GetFlight(ctx context.Context, id string) (*FlightRecord, error)

	// UpdateFlight checkpoints status, direction, step index, working map and error.
	UpdateFlight(ctx context.Context, rec *FlightRecord) error

	// ListFlights returns flights ordered by submission time.
	ListFlights(ctx context.Context, filter FlightFilter) ([]*FlightRecord, error)

	// ListUnresolvedFlights returns every RUNNING flight.
	ListUnresolvedFlights(ctx context.Context) ([]*FlightRecord, error)

	// DeleteFlight removes a record and its step markers.
	DeleteFlight(ctx context.Context, id string) error

	// AppendStepLog records a step completion marker.
	AppendStepLog(ctx context.Context, log *StepLog) error

	// ListStepLogs returns the markers of a flight in insertion order.
	ListStepLogs(ctx context.Context, flightID string) ([]*StepLog, error)
}

// Hook is invoked after a flight reaches a terminal state. Hook errors are
// logged and never change the flight's outcome.
type Hook interface {
	EndFlight(ctx context.Context, state *FlightState) error
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, state *FlightState) error

// EndFlight implements Hook.
func (f HookFunc) EndFlight(ctx context.Context, state *FlightState) error {
	return f(ctx, state)
}
