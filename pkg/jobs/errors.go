package jobs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

// statusError is a job service error with a fixed HTTP status.
type statusError struct {
	msg    string
	status int
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) StatusCode() int { return e.status }

// Sentinel errors returned by the job service. Each carries a status code;
// callers match them with errors.Is.
var (
	ErrInvalidJobID       error = &statusError{"jobId cannot be blank", http.StatusBadRequest}
	ErrInvalidRequest     error = &statusError{"invalid job request", http.StatusBadRequest}
	ErrUnauthorized       error = &statusError{"caller is not authorized to access the job", http.StatusUnauthorized}
	ErrJobNotFound        error = &statusError{"job not found", http.StatusNotFound}
	ErrJobNotComplete     error = &statusError{"job has not completed", http.StatusBadRequest}
	ErrInvalidResultState error = &statusError{"job is in an invalid result state", http.StatusInternalServerError}
)

// DuplicateJobIDError reports a submit whose job id is already in use.
// It is distinct from an ordinary submit failure: the existing job is
// untouched and callers retrying a submit can treat it as success.
type DuplicateJobIDError struct {
	JobID string
}

func (e *DuplicateJobIDError) Error() string {
	return fmt.Sprintf("Received duplicate jobId %s", e.JobID)
}

// StatusCode implements engine.StatusCoder.
func (e *DuplicateJobIDError) StatusCode() int { return http.StatusConflict }

// Unwrap lets errors.Is match engine.ErrDuplicateFlight.
func (e *DuplicateJobIDError) Unwrap() error { return engine.ErrDuplicateFlight }

// InternalError wraps engine and persistence failures.
type InternalError struct {
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error { return e.Err }

// StatusCode implements engine.StatusCoder.
func (e *InternalError) StatusCode() int { return http.StatusInternalServerError }

func internal(msg string, err error) error {
	return &InternalError{Message: msg, Err: err}
}

// JobResponseError carries a failed job's error that had no status of its
// own, such as a provider failure surfaced from a step.
type JobResponseError struct {
	JobID  string
	Report engine.ErrorReport
}

func (e *JobResponseError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Report.Message)
}

// StatusCode implements engine.StatusCoder.
func (e *JobResponseError) StatusCode() int {
	if e.Report.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.Report.StatusCode
}

// StatusCode returns the HTTP status carried by err, or 500.
func StatusCode(err error) int {
	var sc engine.StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

// isUserError reports whether err carries a 4xx status of its own.
func isUserError(err error) bool {
	var sc engine.StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.StatusCode()
	return code >= 400 && code < 500
}
