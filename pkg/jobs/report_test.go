package jobs

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

func TestResultURL(t *testing.T) {
	tests := []struct {
		domain string
		path   string
		want   string
	}{
		{"localhost:8080", "/api/jobs/v1/j1/result", "http://localhost:8080/api/jobs/v1/j1/result"},
		{"workspace.example.org", "api/jobs/v1/j1/result", "https://workspace.example.org/api/jobs/v1/j1/result"},
		{"workspace.example.org/", "/result", "https://workspace.example.org/result"},
		{"127.0.0.1:8080", "/result", "https://127.0.0.1:8080/result"},
	}
	for _, tt := range tests {
		if got := resultURL(tt.domain, tt.path); got != tt.want {
			t.Errorf("resultURL(%q, %q) = %q, want %q", tt.domain, tt.path, got, tt.want)
		}
	}
}

func TestNewReport(t *testing.T) {
	submitted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	successWith := func(code int) *engine.WorkingMap {
		wm := engine.NewWorkingMap()
		if code != 0 {
			if err := KeyStatusCode.Put(wm, code); err != nil {
				t.Fatal(err)
			}
		}
		return wm
	}

	tests := []struct {
		name       string
		state      *engine.FlightState
		wantStatus JobStatus
		wantCode   int
		wantErr    error
	}{
		{
			name:       "running",
			state:      &engine.FlightState{ID: "j", Status: engine.FlightStatusRunning},
			wantStatus: StatusRunning,
			wantCode:   http.StatusAccepted,
		},
		{
			name:       "success defaults to 200",
			state:      &engine.FlightState{ID: "j", Status: engine.FlightStatusSuccess, Result: successWith(0)},
			wantStatus: StatusSucceeded,
			wantCode:   http.StatusOK,
		},
		{
			name:       "success uses the recorded code",
			state:      &engine.FlightState{ID: "j", Status: engine.FlightStatusSuccess, Result: successWith(http.StatusNoContent)},
			wantStatus: StatusSucceeded,
			wantCode:   http.StatusNoContent,
		},
		{
			name: "failure uses the error's code",
			state: &engine.FlightState{ID: "j", Status: engine.FlightStatusError,
				Err: &engine.FlightError{Report: engine.ErrorReport{Message: "gone", StatusCode: http.StatusNotFound}}},
			wantStatus: StatusFailed,
			wantCode:   http.StatusNotFound,
		},
		{
			name:    "failure without an error",
			state:   &engine.FlightState{ID: "j", Status: engine.FlightStatusFatal},
			wantErr: ErrInvalidResultState,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.state.SubmittedAt = submitted
			report, err := newReport(tt.state, "localhost")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("newReport() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("newReport() error = %v", err)
			}
			if report.Status != tt.wantStatus || report.StatusCode != tt.wantCode {
				t.Errorf("report = %s/%d, want %s/%d", report.Status, report.StatusCode, tt.wantStatus, tt.wantCode)
			}
			if !report.Submitted.Equal(submitted) {
				t.Errorf("submitted = %v", report.Submitted)
			}
		})
	}
}

func TestFailure(t *testing.T) {
	s := &Service{logger: telemetry.NopLogger()}

	tests := []struct {
		name  string
		state *engine.FlightState
		check func(t *testing.T, err error)
	}{
		{
			name: "api error is returned unchanged",
			state: &engine.FlightState{ID: "j", Status: engine.FlightStatusError,
				Err: &engine.FlightError{Report: engine.ErrorReport{Message: "taken", StatusCode: 409, API: true}}},
			check: func(t *testing.T, err error) {
				var fe *engine.FlightError
				if !errors.As(err, &fe) || StatusCode(err) != 409 {
					t.Errorf("Expected FlightError with 409, got %v", err)
				}
			},
		},
		{
			name: "other errors are wrapped",
			state: &engine.FlightState{ID: "j", Status: engine.FlightStatusFatal,
				Err: &engine.FlightError{Report: engine.ErrorReport{Message: "boom", StatusCode: 500}}},
			check: func(t *testing.T, err error) {
				var jre *JobResponseError
				if !errors.As(err, &jre) || jre.Report.Message != "boom" {
					t.Errorf("Expected JobResponseError, got %v", err)
				}
			},
		},
		{
			name:  "missing error",
			state: &engine.FlightState{ID: "j", Status: engine.FlightStatusError},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrInvalidResultState) {
					t.Errorf("Expected ErrInvalidResultState, got %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, s.failure(tt.state))
		})
	}
}

func TestStamping(t *testing.T) {
	inputs := engine.NewFlightMap()
	if err := KeyDescription.Set(inputs, "explicit"); err != nil {
		t.Fatal(err)
	}
	req := SubmitRequest{
		JobID:         "j",
		FlightType:    "T",
		Description:   "from request",
		Caller:        Caller{SubjectID: "alice"},
		OperationType: OperationDelete,
		ResourceID:    "r1",
		Inputs:        inputs,
	}

	m, err := req.inputs()
	if err != nil {
		t.Fatalf("inputs() error = %v", err)
	}
	if got := KeyDescription.Value(m); got != "explicit" {
		t.Errorf("description = %q, want explicit value to win", got)
	}
	if KeySubjectID.Value(m) != "alice" || KeyResourceID.Value(m) != "r1" || KeyOperationType.Value(m) != OperationDelete {
		t.Errorf("Expected well-known keys to be stamped, got %v", m.Keys())
	}
	if m.Has(KeyUserEmail.Name()) {
		t.Error("Expected empty fields to be left unset")
	}
	if KeyDescription.Value(inputs) != "explicit" || inputs.Has(KeySubjectID.Name()) {
		t.Error("Expected caller's input map to be left untouched")
	}

	t.Run("identity inputs are replaced by the caller", func(t *testing.T) {
		forged := engine.NewFlightMap()
		_ = KeySubjectID.Set(forged, "bob")
		_ = KeyUserEmail.Set(forged, "bob@example.com")
		req := SubmitRequest{
			JobID:         "j",
			FlightType:    "T",
			Caller:        Caller{SubjectID: "alice"},
			OperationType: OperationCreate,
			Inputs:        forged,
		}

		m, err := req.inputs()
		if err != nil {
			t.Fatalf("inputs() error = %v", err)
		}
		if got := KeySubjectID.Value(m); got != "alice" {
			t.Errorf("subject = %q, want alice", got)
		}
		if m.Has(KeyUserEmail.Name()) {
			t.Errorf("email = %q, want unset", KeyUserEmail.Value(m))
		}
	})
}
