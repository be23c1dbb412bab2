package jobs

import (
	"context"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

// ResponseStep is the last step of a flight. It writes the job response and
// status code into the working map.
type ResponseStep struct {
	StepName string
	Build    func(ctx context.Context, fc *engine.FlightContext) (any, int, error)
}

// Name returns the step name.
func (s ResponseStep) Name() string {
	if s.StepName == "" {
		return "SetResponse"
	}
	return s.StepName
}

// Reads implements engine.KeyDeclarer.
func (s ResponseStep) Reads() []string { return nil }

// Writes implements engine.KeyDeclarer.
func (s ResponseStep) Writes() []string {
	return []string{KeyResponse.Name(), KeyStatusCode.Name()}
}

// Do builds and stores the response.
func (s ResponseStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	v, status, err := s.Build(ctx, fc)
	if err != nil {
		return engine.ResultFromError(err)
	}
	if err := SetResponse(fc.WorkingMap(), v, status); err != nil {
		return engine.FatalFailure(err)
	}
	return engine.Success()
}

// Undo is a no-op; the working map is discarded with the failed flight.
func (s ResponseStep) Undo(context.Context, *engine.FlightContext) engine.StepResult {
	return engine.Success()
}
