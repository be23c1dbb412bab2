package activity

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// Hook writes activity entries when flights end. It is registered with
// engine.AddHook.
type Hook struct {
	activity   Store
	workspaces workspace.Store
	contexts   workspace.CloudContextStore
	resources  resources.Store
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// HookDeps are the stores the hook records to and reconciles against.
type HookDeps struct {
	Activity   Store
	Workspaces workspace.Store
	Contexts   workspace.CloudContextStore
	Resources  resources.Store
}

// NewHook creates the activity hook. A nil tel uses telemetry.Nop.
func NewHook(deps HookDeps, tel *telemetry.Telemetry) *Hook {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Hook{
		activity:   deps.Activity,
		workspaces: deps.Workspaces,
		contexts:   deps.Contexts,
		resources:  deps.Resources,
		logger:     tel.Logger.NewComponentLogger("activity"),
		metrics:    tel.Metrics,
	}
}

var _ engine.Hook = (*Hook)(nil)

// EndFlight implements engine.Hook.
//
// A successful flight is always recorded. A failed DELETE flight is recorded
// only once the deletion is confirmed against the stores, checking the
// workspace, then the cloud context, then the resource. Any other failure is
// not recorded.
func (h *Hook) EndFlight(ctx context.Context, state *engine.FlightState) error {
	log := h.logger.WithFlightID(state.ID, state.Type)

	op, ok, err := jobs.KeyOperationType.Lookup(state.Inputs)
	if err != nil || !ok || op == "" {
		log.Warn().Msg("Flight has no operation type; not writing activity log")
		return nil
	}

	workspaceID := jobs.KeyWorkspaceID.Value(state.Inputs)
	if workspaceID == "" {
		log.Warn().Msg("Flight has no workspace id; not writing activity log")
		return nil
	}

	target, ok := TargetForFlight(state.Type)
	if !ok {
		return fmt.Errorf("no activity target for flight type %s", state.Type)
	}

	if state.Status == engine.FlightStatusSuccess {
		return h.record(ctx, state, op, target, workspaceID)
	}
	if op != jobs.OperationDelete {
		return nil
	}

	gone, err := h.deletionConfirmed(ctx, state, workspaceID)
	if err != nil {
		log.Warn().Err(err).Msg("Could not confirm deletion; not writing activity log")
		return nil
	}
	if !gone {
		log.Info().Str("workspace_id", workspaceID).Msg("Deletion failed; not writing activity log")
		return nil
	}
	return h.record(ctx, state, op, target, workspaceID)
}

// deletionConfirmed reports whether the object a failed delete targeted is
// absent. The first confirmed absence wins.
func (h *Hook) deletionConfirmed(ctx context.Context, state *engine.FlightState, workspaceID string) (bool, error) {
	_, err := h.workspaces.GetWorkspace(ctx, workspaceID)
	switch {
	case errors.Is(err, workspace.ErrWorkspaceNotFound):
		return true, nil
	case err != nil:
		return false, err
	}

	if workspace.IsContextDeletion(state.Type) {
		platform, _ := workspace.ContextFlightPlatform(state.Type)
		_, ok, err := h.contexts.GetCloudContext(ctx, workspaceID, platform)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}

	resourceID := jobs.KeyResourceID.Value(state.Inputs)
	if resourceID == "" {
		return false, nil
	}
	_, err = h.resources.GetResource(ctx, workspaceID, resourceID)
	switch {
	case errors.Is(err, resources.ErrResourceNotFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return false, nil
}

func (h *Hook) record(ctx context.Context, state *engine.FlightState, op jobs.OperationType, target ChangedTarget, workspaceID string) error {
	subject := workspaceID
	if target == TargetResource {
		if id := jobs.KeyResourceID.Value(state.Inputs); id != "" {
			subject = id
		}
	}

	entry := NewEntry(workspaceID, op, target, subject)
	entry.ActorEmail = jobs.KeyUserEmail.Value(state.Inputs)
	entry.ActorSubjectID = jobs.KeySubjectID.Value(state.Inputs)

	if err := h.activity.WriteActivity(ctx, entry); err != nil {
		return fmt.Errorf("failed to write activity for flight %s: %w", state.ID, err)
	}

	h.metrics.RecordActivity(string(op), string(target))
	h.logger.Debug().
		Str("flight_id", state.ID).
		Str("workspace_id", workspaceID).
		Str("operation", string(op)).
		Str("target", string(target)).
		Msg("Activity recorded")
	return nil
}
