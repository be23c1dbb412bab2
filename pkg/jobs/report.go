package jobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

// JobStatus is the user-visible state of a job.
type JobStatus string

const (
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
)

// JobReport describes a job to API callers.
type JobReport struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Status      JobStatus  `json:"status"`
	StatusCode  int        `json:"statusCode"`
	Submitted   time.Time  `json:"submitted"`
	Completed   *time.Time `json:"completed,omitempty"`
	ResultURL   string     `json:"resultURL"`
}

// JobResult is the report and response payload of a successful job.
type JobResult struct {
	Report   *JobReport      `json:"jobReport"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Decode unmarshals the response payload into v.
func (r *JobResult) Decode(v any) error {
	if len(r.Response) == 0 {
		return fmt.Errorf("job %s has no response", r.Report.ID)
	}
	return json.Unmarshal(r.Response, v)
}

// AsyncJobResult is the polling view of a job: the report alone while it
// runs, then the response or the error report.
type AsyncJobResult struct {
	Report      *JobReport          `json:"jobReport"`
	Result      json.RawMessage     `json:"result,omitempty"`
	ErrorReport *engine.ErrorReport `json:"errorReport,omitempty"`
}

// newReport maps a flight's state onto a job report.
func newReport(state *engine.FlightState, domain string) (*JobReport, error) {
	report := &JobReport{
		ID:          state.ID,
		Description: KeyDescription.Value(state.Inputs),
		Submitted:   state.SubmittedAt,
		Completed:   state.CompletedAt,
		ResultURL:   resultURL(domain, KeyResultPath.Value(state.Inputs)),
	}

	switch state.Status {
	case engine.FlightStatusRunning:
		report.Status = StatusRunning
		report.StatusCode = http.StatusAccepted
	case engine.FlightStatusSuccess:
		report.Status = StatusSucceeded
		report.StatusCode = http.StatusOK
		if code, ok, _ := KeyStatusCode.Lookup(state.Result); ok && code != 0 {
			report.StatusCode = code
		}
	default:
		if state.Err == nil {
			return nil, fmt.Errorf("%w: flight %s failed without an error report", ErrInvalidResultState, state.ID)
		}
		report.Status = StatusFailed
		report.StatusCode = state.Err.StatusCode()
	}
	return report, nil
}

func resultURL(domain, resultPath string) string {
	scheme := "https://"
	if strings.HasPrefix(domain, "localhost") {
		scheme = "http://"
	}
	return scheme + path.Join(domain, resultPath)
}
