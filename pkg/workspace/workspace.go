// Package workspace defines workspaces and their cloud contexts, and the
// flights that create and delete them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CloudPlatform identifies a cloud a workspace can have a context on.
type CloudPlatform string

const (
	PlatformGCP   CloudPlatform = "GCP"
	PlatformAzure CloudPlatform = "AZURE"
	PlatformAWS   CloudPlatform = "AWS"
)

// Platforms lists every supported platform.
var Platforms = []CloudPlatform{PlatformGCP, PlatformAzure, PlatformAWS}

// Validate checks the platform is supported.
func (p CloudPlatform) Validate() error {
	switch p {
	case PlatformGCP, PlatformAzure, PlatformAWS:
		return nil
	default:
		return fmt.Errorf("invalid cloud platform: %q", string(p))
	}
}

// Sentinel errors returned by stores.
var (
	ErrWorkspaceNotFound     = errors.New("workspace not found")
	ErrWorkspaceExists       = errors.New("workspace already exists")
	ErrCloudContextExists    = errors.New("cloud context already exists")
	ErrCloudContextNotFound  = errors.New("cloud context not found")
	ErrCloudContextNotActive = errors.New("workspace has no cloud context for platform")
)

// Workspace is the unit of ownership for resources.
type Workspace struct {
	ID          string    `json:"id" validate:"required"`
	DisplayName string    `json:"display_name" validate:"required,max=128"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// CloudContext binds a workspace to a cloud account on one platform.
type CloudContext struct {
	WorkspaceID string        `json:"workspace_id" validate:"required"`
	Platform    CloudPlatform `json:"platform" validate:"required,oneof=GCP AZURE AWS"`
	// AccountID is the GCP project, Azure subscription or AWS account.
	AccountID string    `json:"account_id" validate:"required"`
	Region    string    `json:"region,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists workspaces.
type Store interface {
	// CreateWorkspace returns ErrWorkspaceExists if the id is taken.
	CreateWorkspace(ctx context.Context, ws *Workspace) error

	// GetWorkspace returns ErrWorkspaceNotFound if the workspace does not exist.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	ListWorkspaces(ctx context.Context, offset, limit int) ([]*Workspace, error)

	// DeleteWorkspace removes the workspace with its cloud contexts and
	// resources. It reports whether a row was deleted.
	DeleteWorkspace(ctx context.Context, id string) (bool, error)
}

// CloudContextStore persists cloud contexts.
type CloudContextStore interface {
	// CreateCloudContext returns ErrCloudContextExists if the workspace
	// already has a context on the platform.
	CreateCloudContext(ctx context.Context, cc *CloudContext) error

	// GetCloudContext reports whether the context exists.
	GetCloudContext(ctx context.Context, workspaceID string, platform CloudPlatform) (*CloudContext, bool, error)

	// DeleteCloudContext reports whether a row was deleted.
	DeleteCloudContext(ctx context.Context, workspaceID string, platform CloudPlatform) (bool, error)
}
