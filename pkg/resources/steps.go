package resources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

func storeFailure(msg string, err error) engine.StepResult {
	return engine.RetryableFailure(engine.NewTransientError(msg, err))
}

func cloudFailure(msg string, err error) engine.StepResult {
	return engine.RetryableFailure(engine.NewTransientError(msg, err).WithCode(engine.ErrCodeProviderFailed))
}

// capturePreviousStep saves the stored metadata before an update so undo
// can restore it.
type capturePreviousStep struct {
	store       Store
	workspaceID string
	resourceID  string
}

func (s *capturePreviousStep) Name() string     { return "CapturePreviousMetadata" }
func (s *capturePreviousStep) Reads() []string  { return nil }
func (s *capturePreviousStep) Writes() []string { return []string{KeyPreviousResource.Name()} }

func (s *capturePreviousStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	// A replay must not overwrite the original with partially updated state.
	if fc.WorkingMap().Has(KeyPreviousResource.Name()) {
		return engine.Success()
	}
	prev, err := s.store.GetResource(ctx, s.workspaceID, s.resourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return engine.FatalFailure(workspace.NotFoundError("resource %s not found", s.resourceID))
		}
		return storeFailure("failed to read resource", err)
	}
	if err := KeyPreviousResource.Put(fc.WorkingMap(), *prev); err != nil {
		return engine.FatalFailure(err)
	}
	return engine.Success()
}

func (s *capturePreviousStep) Undo(context.Context, *engine.FlightContext) engine.StepResult {
	return engine.Success()
}

// storeMetadataStep writes the resource to the system of record.
type storeMetadataStep struct {
	store    Store
	resource *Resource
}

func (s *storeMetadataStep) Name() string     { return "StoreResourceMetadata" }
func (s *storeMetadataStep) Reads() []string  { return nil }
func (s *storeMetadataStep) Writes() []string { return []string{} }

func (s *storeMetadataStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	res := s.resource.Clone()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	err := s.store.CreateResource(ctx, res)
	if err == nil {
		return engine.Success()
	}
	if !errors.Is(err, ErrResourceExists) {
		return storeFailure("failed to store resource metadata", err)
	}

	// The same id means an earlier attempt stored it; anything else is a
	// name collision with another resource.
	if _, gerr := s.store.GetResource(ctx, res.WorkspaceID, res.ResourceID); gerr == nil {
		return engine.Success()
	} else if !errors.Is(gerr, ErrResourceNotFound) {
		return storeFailure("failed to read resource", gerr)
	}
	return engine.FatalFailure(engine.NewConflictError(
		fmt.Sprintf("a resource named %q already exists in workspace %s", res.Name, res.WorkspaceID), ErrResourceExists).
		WithCode(engine.ErrCodeAlreadyExists).
		WithStatus(http.StatusConflict))
}

func (s *storeMetadataStep) Undo(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
	if _, err := s.store.DeleteResource(ctx, s.resource.WorkspaceID, s.resource.ResourceID); err != nil {
		return storeFailure("failed to delete resource metadata", err)
	}
	return engine.Success()
}

// updateMetadataStep rewrites the stored resource. Undo restores the
// metadata captured by capturePreviousStep.
type updateMetadataStep struct {
	store    Store
	resource *Resource
}

func (s *updateMetadataStep) Name() string     { return "UpdateResourceMetadata" }
func (s *updateMetadataStep) Reads() []string  { return []string{KeyPreviousResource.Name()} }
func (s *updateMetadataStep) Writes() []string { return []string{} }

func (s *updateMetadataStep) Do(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
	if err := s.store.UpdateResource(ctx, s.resource.Clone()); err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return engine.FatalFailure(workspace.NotFoundError("resource %s not found", s.resource.ResourceID))
		}
		if errors.Is(err, ErrResourceExists) {
			return engine.FatalFailure(engine.NewConflictError(
				fmt.Sprintf("a resource named %q already exists", s.resource.Name), err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithStatus(http.StatusConflict))
		}
		return storeFailure("failed to update resource metadata", err)
	}
	return engine.Success()
}

func (s *updateMetadataStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	prev, ok, err := KeyPreviousResource.Lookup(fc.WorkingMap())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if !ok {
		return engine.Success()
	}
	if err := s.store.UpdateResource(ctx, &prev); err != nil && !errors.Is(err, ErrResourceNotFound) {
		return storeFailure("failed to restore resource metadata", err)
	}
	return engine.Success()
}

// deleteMetadataStep removes the stored resource. A missing row is success.
type deleteMetadataStep struct {
	engine.NoUndo
	store       Store
	workspaceID string
	resourceID  string
}

func (s *deleteMetadataStep) Name() string { return "DeleteResourceMetadata" }

func (s *deleteMetadataStep) Do(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
	if _, err := s.store.DeleteResource(ctx, s.workspaceID, s.resourceID); err != nil {
		return storeFailure("failed to delete resource metadata", err)
	}
	return engine.Success()
}
