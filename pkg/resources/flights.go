package resources

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// Resource flight types.
const (
	FlightCreateResource = "CREATE_RESOURCE"
	FlightUpdateResource = "UPDATE_RESOURCE"
	FlightDeleteResource = "DELETE_RESOURCE"
)

// KeyResource is the input parameter holding the resource a flight acts on.
// For updates it holds the desired state.
var KeyResource = engine.NewKey[Resource]("resource")

// KeyPreviousResource holds the metadata an update replaced.
var KeyPreviousResource = engine.NewKey[Resource]("previous_resource")

// Flights builds the resource lifecycle flights from a registry.
type Flights struct {
	registry *Registry
	deps     Deps
}

// NewFlights creates the flight factories.
func NewFlights(registry *Registry, deps Deps) *Flights {
	return &Flights{registry: registry, deps: deps}
}

// Register registers the create, update and delete flights.
func (f *Flights) Register(eng *engine.Engine) error {
	if f.deps.Resources == nil || f.deps.Workspaces == nil || f.deps.Contexts == nil || f.deps.Cloud == nil {
		return fmt.Errorf("resource flights need resource, workspace, cloud context stores and a cloud provider")
	}
	for flightType, factory := range map[string]engine.Factory{
		FlightCreateResource: f.Create,
		FlightUpdateResource: f.Update,
		FlightDeleteResource: f.Delete,
	} {
		if err := eng.RegisterFlight(flightType, factory); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flights) variant(inputs *engine.FlightMap) (Variant, error) {
	res, err := KeyResource.Get(inputs)
	if err != nil {
		return nil, err
	}
	return f.registry.Decode(&res)
}

// Create builds: validate preconditions, variant create steps, set response.
func (f *Flights) Create(inputs *engine.FlightMap) (*engine.Flight, error) {
	v, err := f.variant(inputs)
	if err != nil {
		return nil, err
	}
	res := v.Resource()

	b := engine.NewFlightBuilder(FlightCreateResource)
	b.AddStep(&workspace.ValidateWorkspaceStep{
		Workspaces:     f.deps.Workspaces,
		Contexts:       f.deps.Contexts,
		RequireContext: res.Stewardship == StewardshipControlled,
		WorkspaceID:    res.WorkspaceID,
		Platform:       res.CloudPlatform,
	}, f.deps.dbRetry())
	v.BuildCreateSteps(b, f.deps)
	b.AddStep(jobs.ResponseStep{Build: f.readBack(res)}, f.deps.dbRetry())
	return b.Build()
}

// Update builds: capture previous metadata, variant update steps, set response.
func (f *Flights) Update(inputs *engine.FlightMap) (*engine.Flight, error) {
	v, err := f.variant(inputs)
	if err != nil {
		return nil, err
	}
	res := v.Resource()

	b := engine.NewFlightBuilder(FlightUpdateResource)
	b.AddStep(&capturePreviousStep{
		store:       f.deps.Resources,
		workspaceID: res.WorkspaceID,
		resourceID:  res.ResourceID,
	}, f.deps.dbRetry())
	v.BuildUpdateSteps(b, f.deps)
	b.AddStep(jobs.ResponseStep{Build: f.readBack(res)}, f.deps.dbRetry())
	return b.Build()
}

// Delete builds: variant delete steps, set response.
func (f *Flights) Delete(inputs *engine.FlightMap) (*engine.Flight, error) {
	v, err := f.variant(inputs)
	if err != nil {
		return nil, err
	}

	b := engine.NewFlightBuilder(FlightDeleteResource)
	v.BuildDeleteSteps(b, f.deps)
	b.AddStep(jobs.ResponseStep{Build: func(context.Context, *engine.FlightContext) (any, int, error) {
		return nil, http.StatusNoContent, nil
	}}, nil)
	return b.Build()
}

// readBack responds with the stored resource.
func (f *Flights) readBack(res *Resource) func(context.Context, *engine.FlightContext) (any, int, error) {
	return func(ctx context.Context, _ *engine.FlightContext) (any, int, error) {
		stored, err := f.deps.Resources.GetResource(ctx, res.WorkspaceID, res.ResourceID)
		if err != nil {
			return nil, 0, engine.NewTransientError("failed to read resource", err)
		}
		return stored, http.StatusOK, nil
	}
}
