package resources

import (
	"context"
	"fmt"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// CleanupStep implements workspace.ResourceCleaner.
func (f *Flights) CleanupStep(platform workspace.CloudPlatform) (engine.Step, engine.RetryPolicy) {
	return &deleteControlledResourcesStep{
		registry: f.registry,
		deps:     f.deps,
		platform: platform,
	}, f.deps.cloudRetry()
}

// deleteControlledResourcesStep runs the delete steps of every controlled
// resource of the workspace on platform, or on every platform when platform
// is empty. Referenced resources only lose their rows with the workspace.
//
// Each nested delete tolerates a resource that is already gone, so a retry
// or a resumed flight starts over from the remaining resources.
type deleteControlledResourcesStep struct {
	engine.NoUndo
	registry *Registry
	deps     Deps
	platform workspace.CloudPlatform
}

func (s *deleteControlledResourcesStep) Name() string { return "DeleteControlledResources" }

func (s *deleteControlledResourcesStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	workspaceID, err := jobs.KeyWorkspaceID.Get(fc.Inputs())
	if err != nil {
		return engine.FatalFailure(err)
	}

	all, err := s.deps.Resources.ListResources(ctx, workspaceID, 0, 0)
	if err != nil {
		return storeFailure("failed to list resources", err)
	}

	for _, res := range all {
		if res.Stewardship != StewardshipControlled {
			continue
		}
		if s.platform != "" && res.CloudPlatform != s.platform {
			continue
		}
		if r := s.deleteOne(ctx, fc, res); !r.IsSuccess() {
			return r
		}
	}
	return engine.Success()
}

func (s *deleteControlledResourcesStep) deleteOne(ctx context.Context, fc *engine.FlightContext, res *Resource) engine.StepResult {
	v, err := s.registry.Decode(res)
	if err != nil {
		return engine.FatalFailure(fmt.Errorf("resource %s cannot be deleted: %w", res.ResourceID, err))
	}

	b := engine.NewFlightBuilder(FlightDeleteResource)
	v.BuildDeleteSteps(b, s.deps)
	flight, err := b.Build()
	if err != nil {
		return engine.FatalFailure(err)
	}

	nested := engine.NewFlightContext(fc.FlightID, fc.FlightType, fc.Inputs(), engine.NewWorkingMap())
	for _, entry := range flight.Steps {
		if r := entry.Step.Do(ctx, nested); !r.IsSuccess() {
			return r
		}
	}
	return engine.Success()
}
