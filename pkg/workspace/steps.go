package workspace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
)

func respond(v any, status int) func(context.Context, *engine.FlightContext) (any, int, error) {
	return func(context.Context, *engine.FlightContext) (any, int, error) {
		return v, status, nil
	}
}

func respondNoContent(context.Context, *engine.FlightContext) (any, int, error) {
	return nil, http.StatusNoContent, nil
}

// storeFailure classifies an unexpected store error as transient.
func storeFailure(msg string, err error) engine.StepResult {
	return engine.RetryableFailure(engine.NewTransientError(msg, err))
}

// NotFoundError builds the permanent 404 error steps fail with when a
// required record is missing.
func NotFoundError(format string, args ...any) *engine.EngineError {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeNotFound).
		WithStatus(http.StatusNotFound)
}

// ValidateWorkspaceStep checks the workspace exists. When RequireContext is
// set it also checks the workspace has a cloud context on the platform.
// WorkspaceID and Platform default to the job's input parameters.
type ValidateWorkspaceStep struct {
	Workspaces     Store
	Contexts       CloudContextStore
	RequireContext bool
	WorkspaceID    string
	Platform       CloudPlatform
}

// Name returns the step name.
func (s *ValidateWorkspaceStep) Name() string { return "ValidateWorkspace" }

// Do checks preconditions.
func (s *ValidateWorkspaceStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	workspaceID := s.WorkspaceID
	if workspaceID == "" {
		id, err := jobs.KeyWorkspaceID.Get(fc.Inputs())
		if err != nil {
			return engine.FatalFailure(err)
		}
		workspaceID = id
	}

	if _, err := s.Workspaces.GetWorkspace(ctx, workspaceID); err != nil {
		if errors.Is(err, ErrWorkspaceNotFound) {
			return engine.FatalFailure(NotFoundError("workspace %s not found", workspaceID))
		}
		return storeFailure("failed to read workspace", err)
	}

	if !s.RequireContext {
		return engine.Success()
	}

	platform := s.Platform
	if platform == "" {
		platform = CloudPlatform(jobs.KeyCloudPlatform.Value(fc.Inputs()))
	}
	if err := platform.Validate(); err != nil {
		return engine.FatalFailure(engine.NewPermanentError("resource has no cloud platform", err).
			WithCode(engine.ErrCodeValidation).
			WithStatus(http.StatusBadRequest))
	}
	_, ok, err := s.Contexts.GetCloudContext(ctx, workspaceID, platform)
	if err != nil {
		return storeFailure("failed to read cloud context", err)
	}
	if !ok {
		return engine.FatalFailure(engine.NewPermanentError(
			fmt.Sprintf("workspace %s has no %s cloud context", workspaceID, platform), ErrCloudContextNotActive).
			WithCode(engine.ErrCodeValidation).
			WithStatus(http.StatusConflict))
	}
	return engine.Success()
}

// Undo has nothing to compensate.
func (s *ValidateWorkspaceStep) Undo(context.Context, *engine.FlightContext) engine.StepResult {
	return engine.Success()
}

type createWorkspaceStep struct {
	store Store
}

func (s *createWorkspaceStep) Name() string { return "CreateWorkspaceMetadata" }

func (s *createWorkspaceStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	ws, err := KeyWorkspace.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}

	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	err = s.store.CreateWorkspace(ctx, &ws)
	if err == nil {
		return engine.Success()
	}
	if !errors.Is(err, ErrWorkspaceExists) {
		return storeFailure("failed to create workspace", err)
	}

	// A record created by an earlier attempt of this flight is a success.
	existing, gerr := s.store.GetWorkspace(ctx, ws.ID)
	if gerr != nil {
		return storeFailure("failed to read workspace", gerr)
	}
	if existing.CreatedBy == ws.CreatedBy && existing.DisplayName == ws.DisplayName {
		return engine.Success()
	}
	return engine.FatalFailure(engine.NewConflictError(
		fmt.Sprintf("workspace %s already exists", ws.ID), ErrWorkspaceExists).
		WithCode(engine.ErrCodeAlreadyExists).
		WithStatus(http.StatusConflict))
}

func (s *createWorkspaceStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	ws, err := KeyWorkspace.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if _, err := s.store.DeleteWorkspace(ctx, ws.ID); err != nil {
		return storeFailure("failed to delete workspace", err)
	}
	return engine.Success()
}

type deleteWorkspaceStep struct {
	engine.NoUndo
	store Store
}

func (s *deleteWorkspaceStep) Name() string { return "DeleteWorkspaceMetadata" }

func (s *deleteWorkspaceStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	workspaceID, err := jobs.KeyWorkspaceID.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}
	// Not deleting anything means an earlier attempt already did.
	if _, err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return storeFailure("failed to delete workspace", err)
	}
	return engine.Success()
}

// deleteCloudContextsStep removes every cloud context of the workspace.
type deleteCloudContextsStep struct {
	engine.NoUndo
	contexts CloudContextStore
}

func (s *deleteCloudContextsStep) Name() string { return "DeleteCloudContexts" }

func (s *deleteCloudContextsStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	workspaceID, err := jobs.KeyWorkspaceID.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}
	for _, p := range Platforms {
		if _, err := s.contexts.DeleteCloudContext(ctx, workspaceID, p); err != nil {
			return storeFailure("failed to delete cloud context", err)
		}
	}
	return engine.Success()
}

type createCloudContextStep struct {
	contexts CloudContextStore
}

func (s *createCloudContextStep) Name() string { return "CreateCloudContext" }

func (s *createCloudContextStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	cc, err := KeyCloudContext.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}

	if cc.CreatedAt.IsZero() {
		cc.CreatedAt = time.Now().UTC()
	}
	err = s.contexts.CreateCloudContext(ctx, &cc)
	if err == nil {
		return engine.Success()
	}
	if !errors.Is(err, ErrCloudContextExists) {
		return storeFailure("failed to create cloud context", err)
	}

	existing, ok, gerr := s.contexts.GetCloudContext(ctx, cc.WorkspaceID, cc.Platform)
	if gerr != nil {
		return storeFailure("failed to read cloud context", gerr)
	}
	if ok && existing.AccountID == cc.AccountID {
		return engine.Success()
	}
	return engine.FatalFailure(engine.NewConflictError(
		fmt.Sprintf("workspace %s already has a %s cloud context", cc.WorkspaceID, cc.Platform), ErrCloudContextExists).
		WithCode(engine.ErrCodeAlreadyExists).
		WithStatus(http.StatusConflict))
}

func (s *createCloudContextStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	cc, err := KeyCloudContext.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if _, err := s.contexts.DeleteCloudContext(ctx, cc.WorkspaceID, cc.Platform); err != nil {
		return storeFailure("failed to delete cloud context", err)
	}
	return engine.Success()
}

type deleteCloudContextStep struct {
	engine.NoUndo
	contexts CloudContextStore
	platform CloudPlatform
}

func (s *deleteCloudContextStep) Name() string { return "DeleteCloudContext" }

func (s *deleteCloudContextStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	workspaceID, err := jobs.KeyWorkspaceID.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if _, err := s.contexts.DeleteCloudContext(ctx, workspaceID, s.platform); err != nil {
		return storeFailure("failed to delete cloud context", err)
	}
	return engine.Success()
}
