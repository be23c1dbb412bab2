package workspace

import (
	"fmt"
	"net/http"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
)

// Workspace flight types.
const (
	FlightCreateWorkspace = "CREATE_WORKSPACE"
	FlightDeleteWorkspace = "DELETE_WORKSPACE"
)

// Input parameters of workspace and cloud context flights.
var (
	KeyWorkspace    = engine.NewKey[Workspace]("workspace")
	KeyCloudContext = engine.NewKey[CloudContext]("cloud_context")
)

// CreateContextFlight returns the flight type creating a context on p,
// e.g. CREATE_GCP_CONTEXT.
func CreateContextFlight(p CloudPlatform) string {
	return "CREATE_" + string(p) + "_CONTEXT"
}

// DeleteContextFlight returns the flight type deleting a context on p,
// e.g. DELETE_GCP_CONTEXT.
func DeleteContextFlight(p CloudPlatform) string {
	return "DELETE_" + string(p) + "_CONTEXT"
}

// ContextFlightPlatform returns the platform of a cloud context flight type.
func ContextFlightPlatform(flightType string) (CloudPlatform, bool) {
	for _, p := range Platforms {
		if flightType == CreateContextFlight(p) || flightType == DeleteContextFlight(p) {
			return p, true
		}
	}
	return "", false
}

// IsContextDeletion reports whether the flight type deletes a cloud context.
func IsContextDeletion(flightType string) bool {
	p, ok := ContextFlightPlatform(flightType)
	return ok && flightType == DeleteContextFlight(p)
}

// ResourceCleaner deletes the controlled resources of a workspace before
// the workspace or one of its cloud contexts goes away.
type ResourceCleaner interface {
	// CleanupStep returns the step deleting the resources on platform, or
	// on every platform when platform is empty. The step reads the
	// workspace id from the flight inputs.
	CleanupStep(platform CloudPlatform) (engine.Step, engine.RetryPolicy)
}

// Deps are the collaborators workspace flights run against.
type Deps struct {
	Workspaces Store
	Contexts   CloudContextStore

	// Resources is optional. Without it deletes remove rows only.
	Resources ResourceCleaner

	// Retry overrides the policy of system-of-record steps.
	Retry engine.RetryPolicy
}

func (d Deps) retry() engine.RetryPolicy {
	if d.Retry != nil {
		return d.Retry
	}
	return engine.DefaultDatabaseRetry()
}

func (d Deps) addCleanup(b *engine.FlightBuilder, p CloudPlatform) {
	if d.Resources == nil {
		return
	}
	step, retry := d.Resources.CleanupStep(p)
	b.AddStep(step, retry)
}

// Register registers every workspace and cloud context flight.
func Register(eng *engine.Engine, deps Deps) error {
	if deps.Workspaces == nil || deps.Contexts == nil {
		return fmt.Errorf("workspace flights need a workspace and a cloud context store")
	}

	factories := map[string]engine.Factory{
		FlightCreateWorkspace: deps.createWorkspaceFlight,
		FlightDeleteWorkspace: deps.deleteWorkspaceFlight,
	}
	for _, p := range Platforms {
		factories[CreateContextFlight(p)] = deps.createContextFlight(p)
		factories[DeleteContextFlight(p)] = deps.deleteContextFlight(p)
	}

	for flightType, factory := range factories {
		if err := eng.RegisterFlight(flightType, factory); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) createWorkspaceFlight(inputs *engine.FlightMap) (*engine.Flight, error) {
	ws, err := KeyWorkspace.Get(inputs)
	if err != nil {
		return nil, err
	}
	return engine.NewFlightBuilder(FlightCreateWorkspace).
		AddStep(&createWorkspaceStep{store: d.Workspaces}, d.retry()).
		AddStep(jobs.ResponseStep{Build: respond(ws, http.StatusOK)}, nil).
		Build()
}

func (d Deps) deleteWorkspaceFlight(inputs *engine.FlightMap) (*engine.Flight, error) {
	if _, err := jobs.KeyWorkspaceID.Get(inputs); err != nil {
		return nil, err
	}
	b := engine.NewFlightBuilder(FlightDeleteWorkspace)
	d.addCleanup(b, "")
	return b.
		AddStep(&deleteCloudContextsStep{contexts: d.Contexts}, d.retry()).
		AddStep(&deleteWorkspaceStep{store: d.Workspaces}, d.retry()).
		AddStep(jobs.ResponseStep{Build: respondNoContent}, nil).
		Build()
}

func (d Deps) createContextFlight(p CloudPlatform) engine.Factory {
	flightType := CreateContextFlight(p)
	return func(inputs *engine.FlightMap) (*engine.Flight, error) {
		cc, err := KeyCloudContext.Get(inputs)
		if err != nil {
			return nil, err
		}
		if cc.Platform != p {
			return nil, fmt.Errorf("flight %s cannot create a %s context", flightType, cc.Platform)
		}
		return engine.NewFlightBuilder(flightType).
			AddStep(&ValidateWorkspaceStep{Workspaces: d.Workspaces, WorkspaceID: cc.WorkspaceID}, d.retry()).
			AddStep(&createCloudContextStep{contexts: d.Contexts}, d.retry()).
			AddStep(jobs.ResponseStep{Build: respond(cc, http.StatusOK)}, nil).
			Build()
	}
}

func (d Deps) deleteContextFlight(p CloudPlatform) engine.Factory {
	flightType := DeleteContextFlight(p)
	return func(inputs *engine.FlightMap) (*engine.Flight, error) {
		if _, err := jobs.KeyWorkspaceID.Get(inputs); err != nil {
			return nil, err
		}
		b := engine.NewFlightBuilder(flightType)
		d.addCleanup(b, p)
		return b.
			AddStep(&deleteCloudContextStep{contexts: d.Contexts, platform: p}, d.retry()).
			AddStep(jobs.ResponseStep{Build: respondNoContent}, nil).
			Build()
	}
}
