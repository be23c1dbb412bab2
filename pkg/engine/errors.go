package engine

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, eventual consistency lag.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification, such as a stale
	// optimistic concurrency token.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Sentinel errors returned by the engine and flight stores.
var (
	ErrDuplicateFlight   = errors.New("engine: flight id already exists")
	ErrFlightNotFound    = errors.New("engine: flight not found")
	ErrFlightNotTerminal = errors.New("engine: flight has not reached a terminal state")
	ErrUnknownFlightType = errors.New("engine: unknown flight type")
	ErrUndeclaredKey     = errors.New("engine: step wrote an undeclared working map key")
)

// StatusCoder is implemented by errors that carry an HTTP status code.
// The engine persists the code with the flight so a failed job can report it.
type StatusCoder interface {
	StatusCode() int
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// HTTPStatus is the status code reported to job callers. Zero means 500.
	HTTPStatus int `json:"http_status,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// StatusCode implements StatusCoder.
func (e *EngineError) StatusCode() int {
	if e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithStatus sets the HTTP status code reported for the error.
func (e *EngineError) WithStatus(status int) *EngineError {
	e.HTTPStatus = status
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// ResultFromError converts a classified error into a step result: retryable
// classes become FAILURE_RETRY, everything else FAILURE_FATAL.
func ResultFromError(err error) StepResult {
	if err == nil {
		return Success()
	}
	if IsRetryable(err) {
		return RetryableFailure(err)
	}
	return FatalFailure(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeUndeclaredKey    = "UNDECLARED_KEY"
)

// ErrorReport is the persisted form of the error that ended a flight.
type ErrorReport struct {
	Message    string     `json:"message"`
	StatusCode int        `json:"status_code"`
	Class      ErrorClass `json:"class,omitempty"`
	Code       string     `json:"code,omitempty"`
	Causes     []string   `json:"causes,omitempty"`
	// API is true when the original error carried its own status code and
	// should be handed back to callers unchanged.
	API bool `json:"api"`
}

// NewErrorReport captures err for persistence.
func NewErrorReport(err error) *ErrorReport {
	if err == nil {
		return nil
	}
	report := &ErrorReport{
		Message:    err.Error(),
		StatusCode: http.StatusInternalServerError,
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		report.StatusCode = sc.StatusCode()
		report.API = true
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		report.Class = ee.Class
		report.Code = ee.Code
		// EngineError always implements StatusCoder; only explicit codes
		// count as API errors.
		report.API = ee.HTTPStatus != 0
	}

	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		report.Causes = append(report.Causes, cause.Error())
	}
	return report
}

// FlightError is the error a terminal flight failed with, rebuilt from its
// persisted ErrorReport.
type FlightError struct {
	Report ErrorReport
}

// Error implements the error interface.
func (e *FlightError) Error() string {
	return e.Report.Message
}

// StatusCode implements StatusCoder.
func (e *FlightError) StatusCode() int {
	if e.Report.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.Report.StatusCode
}
