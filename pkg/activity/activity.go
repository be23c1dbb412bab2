// Package activity records the workspace activity log. Entries are written by
// a flight hook after jobs finish, including failed deletes whose effect on
// the system of record can be confirmed.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// ChangedTarget names the kind of object an entry is about.
type ChangedTarget string

const (
	TargetWorkspace         ChangedTarget = "WORKSPACE"
	TargetGcpCloudContext   ChangedTarget = "GCP_CLOUD_CONTEXT"
	TargetAzureCloudContext ChangedTarget = "AZURE_CLOUD_CONTEXT"
	TargetAwsCloudContext   ChangedTarget = "AWS_CLOUD_CONTEXT"
	TargetResource          ChangedTarget = "RESOURCE"
)

// ContextTarget returns the changed target of a cloud context on p.
func ContextTarget(p workspace.CloudPlatform) ChangedTarget {
	return ChangedTarget(string(p) + "_CLOUD_CONTEXT")
}

// TargetForFlight looks up the changed target of a flight type.
func TargetForFlight(flightType string) (ChangedTarget, bool) {
	switch flightType {
	case workspace.FlightCreateWorkspace, workspace.FlightDeleteWorkspace:
		return TargetWorkspace, true
	case resources.FlightCreateResource, resources.FlightUpdateResource, resources.FlightDeleteResource:
		return TargetResource, true
	}
	if p, ok := workspace.ContextFlightPlatform(flightType); ok {
		return ContextTarget(p), true
	}
	return "", false
}

// Entry is one row of the activity log.
type Entry struct {
	ID              string             `json:"id"`
	WorkspaceID     string             `json:"workspace_id"`
	OperationType   jobs.OperationType `json:"operation_type"`
	ChangedTarget   ChangedTarget      `json:"changed_target"`
	ChangeSubjectID string             `json:"change_subject_id"`
	ActorEmail      string             `json:"actor_email,omitempty"`
	ActorSubjectID  string             `json:"actor_subject_id,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// NewEntry returns an entry with a fresh id and the current time.
func NewEntry(workspaceID string, op jobs.OperationType, target ChangedTarget, changeSubjectID string) *Entry {
	return &Entry{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		OperationType:   op,
		ChangedTarget:   target,
		ChangeSubjectID: changeSubjectID,
		Timestamp:       time.Now().UTC(),
	}
}

// Store persists activity entries.
type Store interface {
	WriteActivity(ctx context.Context, e *Entry) error

	// ListActivity returns a workspace's entries, newest first.
	ListActivity(ctx context.Context, workspaceID string, offset, limit int) ([]*Entry, error)
}
