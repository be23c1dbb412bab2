package jobs_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

const (
	flightEcho      = "ECHO"
	flightAPIError  = "FAIL_WITH_STATUS"
	flightPlainFail = "FAIL_PLAIN"
	flightFatal     = "FAIL_UNDO"
	flightGated     = "GATED"
)

var keyMessage = engine.NewKey[string]("message")

type echoResponse struct {
	Message string `json:"message"`
}

func fail(err error) engine.Step {
	return engine.StepFunc{
		StepName: "Fail",
		DoFn: func(context.Context, *engine.FlightContext) engine.StepResult {
			return engine.FatalFailure(err)
		},
	}
}

func single(flightType string, step engine.Step) engine.Factory {
	return func(*engine.FlightMap) (*engine.Flight, error) {
		return engine.NewFlightBuilder(flightType).AddStep(step, nil).Build()
	}
}

func register(t *testing.T, eng *engine.Engine, gate chan struct{}) {
	t.Helper()
	echo := jobs.ResponseStep{
		Build: func(_ context.Context, fc *engine.FlightContext) (any, int, error) {
			msg, err := keyMessage.Get(fc.Inputs())
			if err != nil {
				return nil, 0, err
			}
			return echoResponse{Message: msg}, http.StatusCreated, nil
		},
	}
	undoFails := engine.StepFunc{
		StepName: "Allocate",
		UndoFn: func(context.Context, *engine.FlightContext) engine.StepResult {
			return engine.FatalFailure(errors.New("release failed"))
		},
	}
	wait := engine.StepFunc{
		StepName: "Wait",
		DoFn: func(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return engine.Success()
		},
	}

	factories := map[string]engine.Factory{
		flightEcho:      single(flightEcho, echo),
		flightAPIError:  single(flightAPIError, fail(engine.NewPermanentError("bucket name taken", nil).WithStatus(http.StatusConflict))),
		flightPlainFail: single(flightPlainFail, fail(errors.New("provider exploded"))),
		flightFatal: func(*engine.FlightMap) (*engine.Flight, error) {
			return engine.NewFlightBuilder(flightFatal).
				AddStep(undoFails, nil).
				AddStep(fail(errors.New("quota exceeded")), nil).
				Build()
		},
		flightGated: single(flightGated, wait),
	}
	for name, f := range factories {
		if err := eng.RegisterFlight(name, f); err != nil {
			t.Fatalf("RegisterFlight(%s) error = %v", name, err)
		}
	}
}

func newService(t *testing.T) (*jobs.Service, chan struct{}) {
	t.Helper()
	eng := engine.NewEngine(stores.NewMemoryStore(), engine.Config{Workers: 4}, telemetry.Nop())
	gate := make(chan struct{})
	register(t, eng, gate)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})

	authz, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("policy.NewEngine() error = %v", err)
	}
	svc, err := jobs.NewService(eng, authz, jobs.Config{
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		Domain:       "localhost:8080",
	}, telemetry.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, gate
}

func request(id, flightType string) jobs.SubmitRequest {
	inputs := engine.NewFlightMap()
	_ = keyMessage.Set(inputs, "hello")
	return jobs.SubmitRequest{
		JobID:         id,
		FlightType:    flightType,
		Description:   "test job " + id,
		Caller:        jobs.Caller{SubjectID: "alice", Email: "alice@example.com"},
		OperationType: jobs.OperationCreate,
		WorkspaceID:   "ws-1",
		ResultPath:    "/api/jobs/v1/" + id + "/result",
		Inputs:        inputs,
	}
}

func TestSubmitAndWait(t *testing.T) {
	svc, _ := newService(t)

	id, result, err := svc.SubmitAndWait(context.Background(), request("job-1", flightEcho))
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if id != "job-1" {
		t.Errorf("job id = %s, want job-1", id)
	}

	var got echoResponse
	if err := result.Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Message != "hello" {
		t.Errorf("response message = %q, want hello", got.Message)
	}

	report := result.Report
	if report.Status != jobs.StatusSucceeded || report.StatusCode != http.StatusCreated {
		t.Errorf("report = %s/%d, want SUCCEEDED/201", report.Status, report.StatusCode)
	}
	if report.Description != "test job job-1" {
		t.Errorf("description = %q", report.Description)
	}
	if report.ResultURL != "http://localhost:8080/api/jobs/v1/job-1/result" {
		t.Errorf("result url = %s", report.ResultURL)
	}
	if report.Completed == nil {
		t.Error("Expected completion time")
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(r *jobs.SubmitRequest)
		want   error
	}{
		{"blank id", func(r *jobs.SubmitRequest) { r.JobID = "" }, jobs.ErrInvalidJobID},
		{"whitespace id", func(r *jobs.SubmitRequest) { r.JobID = "  \t" }, jobs.ErrInvalidJobID},
		{"missing flight type", func(r *jobs.SubmitRequest) { r.FlightType = "" }, jobs.ErrInvalidRequest},
		{"unknown flight type", func(r *jobs.SubmitRequest) { r.FlightType = "NOPE" }, jobs.ErrInvalidRequest},
		{"missing subject", func(r *jobs.SubmitRequest) { r.Caller.SubjectID = "" }, jobs.ErrInvalidRequest},
		{"bad email", func(r *jobs.SubmitRequest) { r.Caller.Email = "not-an-email" }, jobs.ErrInvalidRequest},
		{"missing operation", func(r *jobs.SubmitRequest) { r.OperationType = "" }, jobs.ErrInvalidRequest},
		{"unknown operation", func(r *jobs.SubmitRequest) { r.OperationType = "MOVE" }, jobs.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("job-v", flightEcho)
			tt.mutate(&req)
			_, err := svc.Submit(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
			if got := jobs.StatusCode(err); got != http.StatusBadRequest {
				t.Errorf("StatusCode() = %d, want 400", got)
			}
		})
	}
}

func TestSubmitDuplicate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.SubmitAndWait(ctx, request("job-dup", flightEcho)); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	_, err := svc.Submit(ctx, request("job-dup", flightEcho))
	var dup *jobs.DuplicateJobIDError
	if !errors.As(err, &dup) {
		t.Fatalf("Expected DuplicateJobIDError, got %v", err)
	}
	if dup.Error() != "Received duplicate jobId job-dup" || jobs.StatusCode(err) != http.StatusConflict {
		t.Errorf("Unexpected duplicate error %q (%d)", dup.Error(), jobs.StatusCode(err))
	}
	if !errors.Is(err, engine.ErrDuplicateFlight) {
		t.Error("Expected duplicate error to match engine.ErrDuplicateFlight")
	}

	t.Run("id is reusable after release", func(t *testing.T) {
		if err := svc.ReleaseJob(ctx, "job-dup", "alice"); err != nil {
			t.Fatalf("ReleaseJob() error = %v", err)
		}
		if _, _, err := svc.SubmitAndWait(ctx, request("job-dup", flightEcho)); err != nil {
			t.Fatalf("resubmit error = %v", err)
		}
	})
}

func TestFailedJobResults(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	t.Run("error with a status code is returned as-is", func(t *testing.T) {
		_, _, err := svc.SubmitAndWait(ctx, request("job-api", flightAPIError))
		var fe *engine.FlightError
		if !errors.As(err, &fe) {
			t.Fatalf("Expected FlightError, got %T %v", err, err)
		}
		if fe.StatusCode() != http.StatusConflict {
			t.Errorf("StatusCode() = %d, want 409", fe.StatusCode())
		}

		report, err := svc.RetrieveJob(ctx, "job-api", "alice")
		if err != nil {
			t.Fatalf("RetrieveJob() error = %v", err)
		}
		if report.Status != jobs.StatusFailed || report.StatusCode != http.StatusConflict {
			t.Errorf("report = %s/%d, want FAILED/409", report.Status, report.StatusCode)
		}
	})

	t.Run("error without a status code is wrapped", func(t *testing.T) {
		_, _, err := svc.SubmitAndWait(ctx, request("job-plain", flightPlainFail))
		var jre *jobs.JobResponseError
		if !errors.As(err, &jre) {
			t.Fatalf("Expected JobResponseError, got %T %v", err, err)
		}
		if jre.StatusCode() != http.StatusInternalServerError {
			t.Errorf("StatusCode() = %d, want 500", jre.StatusCode())
		}
	})

	t.Run("fatal flight reports its do error", func(t *testing.T) {
		_, _, err := svc.SubmitAndWait(ctx, request("job-fatal", flightFatal))
		if err == nil {
			t.Fatal("Expected error from fatal job")
		}

		async, err := svc.RetrieveAsyncJobResult(ctx, "job-fatal", "alice")
		if err != nil {
			t.Fatalf("RetrieveAsyncJobResult() error = %v", err)
		}
		if async.Report.Status != jobs.StatusFailed || async.ErrorReport == nil {
			t.Fatalf("Unexpected async result %+v", async)
		}
		if async.Result != nil {
			t.Error("Expected no result for a failed job")
		}
	})
}

func TestRunningJob(t *testing.T) {
	svc, gate := newService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, request("job-run", flightGated)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	report, err := svc.RetrieveJob(ctx, "job-run", "alice")
	if err != nil {
		t.Fatalf("RetrieveJob() error = %v", err)
	}
	if report.Status != jobs.StatusRunning || report.StatusCode != http.StatusAccepted {
		t.Errorf("report = %s/%d, want RUNNING/202", report.Status, report.StatusCode)
	}

	if _, err := svc.RetrieveJobResult(ctx, "job-run", "alice"); !errors.Is(err, jobs.ErrJobNotComplete) {
		t.Errorf("RetrieveJobResult() error = %v, want ErrJobNotComplete", err)
	}
	if err := svc.ReleaseJob(ctx, "job-run", "alice"); !errors.Is(err, jobs.ErrJobNotComplete) {
		t.Errorf("ReleaseJob() error = %v, want ErrJobNotComplete", err)
	}

	async, err := svc.RetrieveAsyncJobResult(ctx, "job-run", "alice")
	if err != nil {
		t.Fatalf("RetrieveAsyncJobResult() error = %v", err)
	}
	if async.Result != nil || async.ErrorReport != nil {
		t.Errorf("Expected report only while running, got %+v", async)
	}

	close(gate)
	if err := svc.WaitForJob(ctx, "job-run", "alice"); err != nil {
		t.Fatalf("WaitForJob() error = %v", err)
	}
	if err := svc.ReleaseJob(ctx, "job-run", "alice"); err != nil {
		t.Errorf("ReleaseJob() after completion error = %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	eng := engine.NewEngine(stores.NewMemoryStore(), engine.Config{Workers: 1}, telemetry.Nop())
	gate := make(chan struct{})
	register(t, eng, gate)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	t.Cleanup(func() { close(gate) })

	authz, _ := policy.NewEngine(zerolog.Nop())
	svc, err := jobs.NewService(eng, authz, jobs.Config{
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = svc.SubmitAndWait(context.Background(), request("job-slow", flightGated))
	var ie *jobs.InternalError
	if !errors.As(err, &ie) || ie.Message != "flight did not complete in the allowed wait time" {
		t.Fatalf("Expected wait timeout, got %v", err)
	}

	report, err := svc.RetrieveJob(context.Background(), "job-slow", "alice")
	if err != nil || report.Status != jobs.StatusRunning {
		t.Errorf("Expected job to keep running after the timeout, got %v %v", report, err)
	}
}

func TestAccessControl(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.SubmitAndWait(ctx, request("job-own", flightEcho)); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	calls := map[string]func(caller string) error{
		"retrieve": func(c string) error { _, err := svc.RetrieveJob(ctx, "job-own", c); return err },
		"result":   func(c string) error { _, err := svc.RetrieveJobResult(ctx, "job-own", c); return err },
		"async":    func(c string) error { _, err := svc.RetrieveAsyncJobResult(ctx, "job-own", c); return err },
		"wait":     func(c string) error { return svc.WaitForJob(ctx, "job-own", c) },
		"release":  func(c string) error { return svc.ReleaseJob(ctx, "job-own", c) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			for _, caller := range []string{"mallory", ""} {
				err := call(caller)
				if !errors.Is(err, jobs.ErrUnauthorized) {
					t.Errorf("caller %q: error = %v, want ErrUnauthorized", caller, err)
				}
				if jobs.StatusCode(err) != http.StatusUnauthorized {
					t.Errorf("caller %q: StatusCode() = %d, want 401", caller, jobs.StatusCode(err))
				}
			}
		})
	}

	t.Run("missing job", func(t *testing.T) {
		_, err := svc.RetrieveJob(ctx, "job-none", "alice")
		if !errors.Is(err, jobs.ErrJobNotFound) || jobs.StatusCode(err) != http.StatusNotFound {
			t.Errorf("RetrieveJob() error = %v, want ErrJobNotFound", err)
		}
	})
}

func TestCallerIdentityComesFromCaller(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	req := request("job-forged", flightEcho)
	for _, err := range []error{
		jobs.KeySubjectID.Set(req.Inputs, "bob"),
		jobs.KeyUserEmail.Set(req.Inputs, "bob@example.com"),
	} {
		if err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := svc.SubmitAndWait(ctx, req); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	if _, err := svc.RetrieveJob(ctx, "job-forged", "alice"); err != nil {
		t.Errorf("RetrieveJob(alice) error = %v", err)
	}
	if _, err := svc.RetrieveJob(ctx, "job-forged", "bob"); !errors.Is(err, jobs.ErrUnauthorized) {
		t.Errorf("RetrieveJob(bob) error = %v, want ErrUnauthorized", err)
	}

	tests := []struct {
		caller string
		want   int
	}{
		{"alice", 1},
		{"bob", 0},
	}
	for _, tt := range tests {
		reports, err := svc.EnumerateJobs(ctx, 0, 10, tt.caller)
		if err != nil {
			t.Fatalf("EnumerateJobs(%s) error = %v", tt.caller, err)
		}
		if len(reports) != tt.want {
			t.Errorf("EnumerateJobs(%s) returned %d jobs, want %d", tt.caller, len(reports), tt.want)
		}
	}
}

func TestEnumerateJobs(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		if _, _, err := svc.SubmitAndWait(ctx, request(id, flightEcho)); err != nil {
			t.Fatalf("SubmitAndWait(%s) error = %v", id, err)
		}
	}
	other := request("job-bob", flightEcho)
	other.Caller = jobs.Caller{SubjectID: "bob"}
	if _, _, err := svc.SubmitAndWait(ctx, other); err != nil {
		t.Fatalf("SubmitAndWait(bob) error = %v", err)
	}

	reports, err := svc.EnumerateJobs(ctx, 0, 10, "alice")
	if err != nil {
		t.Fatalf("EnumerateJobs() error = %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("Expected 3 jobs for alice, got %d", len(reports))
	}
	for i, want := range []string{"job-a", "job-b", "job-c"} {
		if reports[i].ID != want {
			t.Errorf("reports[%d] = %s, want %s", i, reports[i].ID, want)
		}
	}

	page, err := svc.EnumerateJobs(ctx, 1, 1, "alice")
	if err != nil {
		t.Fatalf("EnumerateJobs() page error = %v", err)
	}
	if len(page) != 1 || page[0].ID != "job-b" {
		t.Errorf("Unexpected page %v", page)
	}

	if _, err := svc.EnumerateJobs(ctx, 0, 10, " "); !errors.Is(err, jobs.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for a blank caller, got %v", err)
	}
	if _, err := svc.EnumerateJobs(ctx, 0, 0, "alice"); !errors.Is(err, jobs.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for a zero limit, got %v", err)
	}
}
