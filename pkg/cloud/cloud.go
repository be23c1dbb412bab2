// Package cloud provides the object storage client resource flights call.
//
// Provider errors are classified into ErrConflict, ErrNotFound and
// ErrPreconditionFailed so steps can apply the idempotency rules: a create
// that finds the bucket already there and a delete that finds it gone are
// both successes, and a stale access policy etag is retried.
package cloud

import (
	"context"
	"errors"
	"slices"
)

// Classified provider errors.
var (
	ErrConflict           = errors.New("cloud: bucket already exists")
	ErrNotFound           = errors.New("cloud: bucket not found")
	ErrPreconditionFailed = errors.New("cloud: access policy changed concurrently")
)

// Bucket labels naming the owning workspace and resource.
const (
	LabelWorkspaceID = "flightdeck-workspace-id"
	LabelResourceID  = "flightdeck-resource-id"
)

// Access roles understood by providers.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
	RoleOwner  = "owner"
)

// BucketSpec describes a bucket to create.
type BucketSpec struct {
	Name         string
	Location     string
	StorageClass string
	Labels       map[string]string
}

// Binding grants a role to members.
type Binding struct {
	Role    string   `json:"role"`
	Members []string `json:"members"`
}

// AccessPolicy is a bucket's set of role bindings.
type AccessPolicy struct {
	Bindings []Binding `json:"bindings"`
}

// AddMember grants role to member. It reports whether the policy changed.
func (p *AccessPolicy) AddMember(role, member string) bool {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role {
			continue
		}
		if slices.Contains(p.Bindings[i].Members, member) {
			return false
		}
		p.Bindings[i].Members = append(p.Bindings[i].Members, member)
		return true
	}
	p.Bindings = append(p.Bindings, Binding{Role: role, Members: []string{member}})
	return true
}

// RemoveMember revokes role from member. It reports whether the policy changed.
func (p *AccessPolicy) RemoveMember(role, member string) bool {
	for i := range p.Bindings {
		if p.Bindings[i].Role != role {
			continue
		}
		idx := slices.Index(p.Bindings[i].Members, member)
		if idx < 0 {
			return false
		}
		p.Bindings[i].Members = slices.Delete(p.Bindings[i].Members, idx, idx+1)
		if len(p.Bindings[i].Members) == 0 {
			p.Bindings = slices.Delete(p.Bindings, i, i+1)
		}
		return true
	}
	return false
}

// HasMember reports whether member holds role.
func (p *AccessPolicy) HasMember(role, member string) bool {
	for _, b := range p.Bindings {
		if b.Role == role && slices.Contains(b.Members, member) {
			return true
		}
	}
	return false
}

// Provider is an object storage API.
type Provider interface {
	// CreateBucket returns ErrConflict if the bucket exists.
	CreateBucket(ctx context.Context, spec BucketSpec) error

	// DeleteBucket returns ErrNotFound if the bucket does not exist.
	DeleteBucket(ctx context.Context, name string) error

	BucketExists(ctx context.Context, name string) (bool, error)

	// GetBucketLabels returns ErrNotFound if the bucket does not exist.
	GetBucketLabels(ctx context.Context, name string) (map[string]string, error)

	// SetBucketLabels replaces every label.
	SetBucketLabels(ctx context.Context, name string, labels map[string]string) error

	// GetAccessPolicy returns the policy and its etag.
	GetAccessPolicy(ctx context.Context, name string) (*AccessPolicy, string, error)

	// SetAccessPolicy replaces the policy if its etag still matches, and
	// returns ErrPreconditionFailed otherwise.
	SetAccessPolicy(ctx context.Context, name string, policy *AccessPolicy, etag string) error
}
