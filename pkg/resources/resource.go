// Package resources implements the create, update and delete flights of
// workspace resources. Each resource type plugs its steps into the flight
// skeletons through a Variant registered in a Registry.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// StewardshipType says whether flightdeck owns the underlying cloud object.
type StewardshipType string

const (
	StewardshipControlled StewardshipType = "CONTROLLED"
	StewardshipReferenced StewardshipType = "REFERENCED"
)

// CloningInstructions say what a workspace clone does with the resource.
type CloningInstructions string

const (
	CloneNothing    CloningInstructions = "COPY_NOTHING"
	CloneDefinition CloningInstructions = "COPY_DEFINITION"
	CloneResource   CloningInstructions = "COPY_RESOURCE"
	CloneReference  CloningInstructions = "COPY_REFERENCE"
)

// ResourceType tags the variant of a resource.
type ResourceType string

// Sentinel errors returned by stores.
var (
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceExists   = errors.New("resource already exists")
)

// Resource is the system-of-record entry for a workspace resource.
type Resource struct {
	WorkspaceID         string                  `json:"workspace_id" validate:"required"`
	ResourceID          string                  `json:"resource_id" validate:"required"`
	Name                string                  `json:"name" validate:"required,max=1024"`
	Description         string                  `json:"description,omitempty"`
	Stewardship         StewardshipType         `json:"stewardship" validate:"required,oneof=CONTROLLED REFERENCED"`
	Type                ResourceType            `json:"resource_type" validate:"required"`
	CloningInstructions CloningInstructions     `json:"cloning_instructions" validate:"omitempty,oneof=COPY_NOTHING COPY_DEFINITION COPY_RESOURCE COPY_REFERENCE"`
	CloudPlatform       workspace.CloudPlatform `json:"cloud_platform,omitempty"`
	Attributes          json.RawMessage         `json:"attributes,omitempty"`
	CreatedBy           string                  `json:"created_by,omitempty"`
	CreatedAt           time.Time               `json:"created_at"`
}

// Clone returns a deep copy.
func (r *Resource) Clone() *Resource {
	out := *r
	out.Attributes = append(json.RawMessage(nil), r.Attributes...)
	return &out
}

// DecodeAttributes unmarshals the type-specific payload into v.
func (r *Resource) DecodeAttributes(v any) error {
	if len(r.Attributes) == 0 {
		return fmt.Errorf("resource %s has no attributes", r.ResourceID)
	}
	if err := json.Unmarshal(r.Attributes, v); err != nil {
		return fmt.Errorf("failed to decode %s attributes: %w", r.Type, err)
	}
	return nil
}

// Store persists resource metadata.
type Store interface {
	// CreateResource returns ErrResourceExists if the (workspace, resource)
	// id pair or the name within the workspace is taken.
	CreateResource(ctx context.Context, r *Resource) error

	// GetResource returns ErrResourceNotFound if the resource does not exist.
	GetResource(ctx context.Context, workspaceID, resourceID string) (*Resource, error)

	// UpdateResource rewrites name, description, cloning instructions and
	// attributes. It returns ErrResourceNotFound if the resource is gone.
	UpdateResource(ctx context.Context, r *Resource) error

	// DeleteResource reports whether a row was deleted.
	DeleteResource(ctx context.Context, workspaceID, resourceID string) (bool, error)

	ListResources(ctx context.Context, workspaceID string, offset, limit int) ([]*Resource, error)
}
