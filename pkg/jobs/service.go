package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Config configures the job service.
type Config struct {
	// PollInterval is how often SubmitAndWait checks a running job.
	PollInterval time.Duration

	// WaitTimeout bounds SubmitAndWait. The job keeps running afterwards.
	WaitTimeout time.Duration

	// Domain is the host part of result URLs, e.g. "localhost:8080".
	Domain string
}

// Authorizer decides whether a caller may access a job.
type Authorizer interface {
	Authorize(ctx context.Context, input policy.AccessInput) (*policy.Decision, error)
}

// Service launches flights as jobs and serves their status and results to
// the users that submitted them.
type Service struct {
	eng   *engine.Engine
	authz Authorizer
	cfg   Config

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewService creates a job service over a running engine.
func NewService(eng *engine.Engine, authz Authorizer, cfg Config, tel *telemetry.Telemetry) (*Service, error) {
	if eng == nil {
		return nil, errors.New("jobs: engine is required")
	}
	if authz == nil {
		return nil, errors.New("jobs: authorizer is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Minute
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Service{
		eng:     eng,
		authz:   authz,
		cfg:     cfg,
		logger:  tel.Logger.NewComponentLogger("jobs"),
		metrics: tel.Metrics,
		tracer:  tel.Tracer,
	}, nil
}

// Submit launches a job and returns its id without waiting for it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (jobID string, err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "submit", req.JobID)
	defer func() { s.end(span, err) }()

	if err := req.check(); err != nil {
		return "", err
	}
	if !s.eng.HasFlightType(req.FlightType) {
		return "", fmt.Errorf("%w: unknown flight type %s", ErrInvalidRequest, req.FlightType)
	}

	inputs, err := req.inputs()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	err = s.eng.Submit(ctx, engine.SubmitRequest{
		FlightID:   req.JobID,
		FlightType: req.FlightType,
		Owner:      req.Caller.SubjectID,
		Inputs:     inputs,
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrDuplicateFlight):
		s.logger.WithJobID(req.JobID).Warn().Msg("Received duplicate job id")
		return "", &DuplicateJobIDError{JobID: req.JobID}
	case isUserError(err):
		return "", err
	default:
		return "", internal("failed to submit job", err)
	}

	s.metrics.RecordJobSubmitted(req.FlightType)
	s.logger.WithJobID(req.JobID).Info().
		Str("flight_type", req.FlightType).
		Str("operation", string(req.OperationType)).
		Msg("Job submitted")
	return req.JobID, nil
}

// SubmitAndWait launches a job, waits for it to finish and returns its
// result. A job that fails returns its error.
func (s *Service) SubmitAndWait(ctx context.Context, req SubmitRequest) (string, *JobResult, error) {
	jobID, err := s.Submit(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if err := s.WaitForJob(ctx, jobID, req.Caller.SubjectID); err != nil {
		return jobID, nil, err
	}
	result, err := s.RetrieveJobResult(ctx, jobID, req.Caller.SubjectID)
	return jobID, result, err
}

// WaitForJob polls until the job is no longer running or WaitTimeout passes.
// The caller must be allowed to retrieve the job.
func (s *Service) WaitForJob(ctx context.Context, jobID, caller string) (err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "wait", jobID)
	defer func() { s.end(span, err) }()

	if _, err := s.authorizedState(ctx, jobID, caller, policy.ActionRetrieve); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		state, err := s.eng.GetFlightState(ctx, jobID)
		switch {
		case err == nil:
			if state.Status.IsTerminal() {
				return nil
			}
		case errors.Is(err, engine.ErrFlightNotFound):
			return fmt.Errorf("%w: The flight %s was not found", ErrJobNotFound, jobID)
		case ctx.Err() == nil:
			return internal("failed to read job state", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &InternalError{Message: "flight did not complete in the allowed wait time"}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RetrieveJob returns the report of a job the caller submitted.
func (s *Service) RetrieveJob(ctx context.Context, jobID, caller string) (report *JobReport, err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "retrieve", jobID)
	defer func() { s.end(span, err) }()

	state, err := s.authorizedState(ctx, jobID, caller, policy.ActionRetrieve)
	if err != nil {
		return nil, err
	}
	return newReport(state, s.cfg.Domain)
}

// RetrieveJobResult returns the response of a finished job. A failed job
// returns its error instead: errors that carried a status code are handed
// back unchanged, anything else is wrapped in JobResponseError.
func (s *Service) RetrieveJobResult(ctx context.Context, jobID, caller string) (result *JobResult, err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "result", jobID)
	defer func() { s.end(span, err) }()

	state, err := s.authorizedState(ctx, jobID, caller, policy.ActionResult)
	if err != nil {
		return nil, err
	}

	switch state.Status {
	case engine.FlightStatusRunning:
		return nil, fmt.Errorf("%w: job %s is still running", ErrJobNotComplete, jobID)
	case engine.FlightStatusSuccess:
		report, err := newReport(state, s.cfg.Domain)
		if err != nil {
			return nil, err
		}
		return &JobResult{Report: report, Response: KeyResponse.Value(state.Result)}, nil
	default:
		return nil, s.failure(state)
	}
}

// failure returns the error a failed job ended with.
func (s *Service) failure(state *engine.FlightState) error {
	if state.Status == engine.FlightStatusFatal {
		s.alertFatal(state)
	}
	if state.Err == nil {
		return fmt.Errorf("%w: flight %s failed without an error report", ErrInvalidResultState, state.ID)
	}
	if state.Err.Report.API {
		return state.Err
	}
	return &JobResponseError{JobID: state.ID, Report: state.Err.Report}
}

func (s *Service) alertFatal(state *engine.FlightState) {
	ev := s.logger.WithFlightID(state.ID, state.Type).Error().Bool("alert", true)
	if state.Err != nil {
		ev = ev.Str("error", state.Err.Error())
	}
	ev.Msg("Job ended in a fatal state; its undo did not complete and cleanup may be needed")
}

// RetrieveAsyncJobResult returns the report of a job and, once it has
// finished, its response or error report.
func (s *Service) RetrieveAsyncJobResult(ctx context.Context, jobID, caller string) (result *AsyncJobResult, err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "async_result", jobID)
	defer func() { s.end(span, err) }()

	state, err := s.authorizedState(ctx, jobID, caller, policy.ActionResult)
	if err != nil {
		return nil, err
	}
	report, err := newReport(state, s.cfg.Domain)
	if err != nil {
		return nil, err
	}

	result = &AsyncJobResult{Report: report}
	switch state.Status {
	case engine.FlightStatusRunning:
	case engine.FlightStatusSuccess:
		result.Result = KeyResponse.Value(state.Result)
	default:
		if state.Status == engine.FlightStatusFatal {
			s.alertFatal(state)
		}
		errReport := state.Err.Report
		result.ErrorReport = &errReport
	}
	return result, nil
}

// EnumerateJobs lists the caller's jobs in submission order.
func (s *Service) EnumerateJobs(ctx context.Context, offset, limit int, caller string) (reports []*JobReport, err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "enumerate", "")
	defer func() { s.end(span, err) }()

	if strings.TrimSpace(caller) == "" {
		return nil, ErrUnauthorized
	}
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset must be non-negative and limit positive", ErrInvalidRequest)
	}

	states, err := s.eng.ListFlights(ctx, engine.FlightFilter{Owner: caller, Offset: offset, Limit: limit})
	if err != nil {
		return nil, internal("failed to enumerate jobs", err)
	}

	reports = make([]*JobReport, 0, len(states))
	for _, state := range states {
		report, err := newReport(state, s.cfg.Domain)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ReleaseJob deletes a finished job. Its id may be reused afterwards.
func (s *Service) ReleaseJob(ctx context.Context, jobID, caller string) (err error) {
	ctx, span := s.tracer.StartJobSpan(ctx, "release", jobID)
	defer func() { s.end(span, err) }()

	state, err := s.authorizedState(ctx, jobID, caller, policy.ActionRelease)
	if err != nil {
		return err
	}
	if !state.Status.IsTerminal() {
		return fmt.Errorf("%w: job %s is still running", ErrJobNotComplete, jobID)
	}

	err = s.eng.DeleteFlight(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrFlightNotFound):
		return fmt.Errorf("%w: The flight %s was not found", ErrJobNotFound, jobID)
	case errors.Is(err, engine.ErrFlightNotTerminal):
		return fmt.Errorf("%w: job %s is still running", ErrJobNotComplete, jobID)
	default:
		return internal("failed to release job", err)
	}

	s.logger.WithJobID(jobID).Info().Msg("Job released")
	return nil
}

// authorizedState loads a job and checks the caller may perform action.
func (s *Service) authorizedState(ctx context.Context, jobID, caller string, action policy.Action) (*engine.FlightState, error) {
	state, err := s.eng.GetFlightState(ctx, jobID)
	if err != nil {
		if errors.Is(err, engine.ErrFlightNotFound) {
			return nil, fmt.Errorf("%w: The flight %s was not found", ErrJobNotFound, jobID)
		}
		return nil, internal("failed to read job state", err)
	}

	decision, err := s.authz.Authorize(ctx, policy.AccessInput{
		Action:     action,
		JobID:      jobID,
		FlightType: state.Type,
		Caller:     caller,
		Owner:      state.Owner,
	})
	if err != nil {
		return nil, internal("failed to evaluate job access", err)
	}
	if !decision.Allowed {
		s.logger.WithJobID(jobID).Warn().
			Str("caller", caller).
			Strs("reasons", decision.Reasons()).
			Msg("Job access denied")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.Join(decision.Reasons(), "; "))
	}
	return state, nil
}

func (s *Service) end(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		telemetry.RecordSuccess(span)
		return
	}
	telemetry.RecordError(span, err)
	s.metrics.RecordJobError(errorKind(err))
}

func errorKind(err error) string {
	var dup *DuplicateJobIDError
	switch {
	case errors.As(err, &dup):
		return "duplicate"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrJobNotFound):
		return "not_found"
	case errors.Is(err, ErrJobNotComplete):
		return "not_complete"
	case errors.Is(err, ErrInvalidJobID), errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrInvalidResultState):
		return "invalid_result_state"
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return "internal"
	}
	return "job_failed"
}
