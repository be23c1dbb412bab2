package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"strings"

	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// Bucket resource types.
const (
	TypeControlledGcsBucket ResourceType = "CONTROLLED_GCS_BUCKET"
	TypeReferencedGcsBucket ResourceType = "REFERENCED_GCS_BUCKET"
)

// Working map keys of bucket steps.
var (
	KeyBucketName     = engine.NewKey[string]("bucket_name")
	KeyPreviousLabels = engine.NewKey[map[string]string]("previous_labels")
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)

// GcsBucketAttributes is the payload of a controlled bucket.
type GcsBucketAttributes struct {
	BucketName   string            `json:"bucket_name,omitempty"`
	Location     string            `json:"location,omitempty"`
	StorageClass string            `json:"storage_class,omitempty" validate:"omitempty,oneof=STANDARD NEARLINE COLDLINE ARCHIVE"`
	Labels       map[string]string `json:"labels,omitempty" validate:"max=32"`
}

// WorkspaceMember is the access policy member standing for a workspace.
func WorkspaceMember(workspaceID string) string {
	return "workspace:" + workspaceID
}

// DeriveBucketName returns the cloud name used when none was requested.
func DeriveBucketName(resourceID string) string {
	var b strings.Builder
	b.WriteString("fd-")
	for _, r := range strings.ToLower(resourceID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// ControlledGcsBucketHandler decodes CONTROLLED_GCS_BUCKET resources.
type ControlledGcsBucketHandler struct{}

// Type implements Handler.
func (ControlledGcsBucketHandler) Type() ResourceType { return TypeControlledGcsBucket }

// Stewardship implements Handler.
func (ControlledGcsBucketHandler) Stewardship() StewardshipType { return StewardshipControlled }

// Decode implements Handler.
func (ControlledGcsBucketHandler) Decode(r *Resource) (Variant, error) {
	var attrs GcsBucketAttributes
	if len(r.Attributes) > 0 {
		if err := r.DecodeAttributes(&attrs); err != nil {
			return nil, err
		}
	}
	if attrs.BucketName == "" {
		attrs.BucketName = DeriveBucketName(r.ResourceID)
	}
	res := r.Clone()
	if res.CloudPlatform == "" {
		res.CloudPlatform = workspace.PlatformGCP
	}
	return &ControlledGcsBucket{res: res, Attributes: attrs}, nil
}

// ControlledGcsBucket is a bucket flightdeck creates and deletes.
type ControlledGcsBucket struct {
	res        *Resource
	Attributes GcsBucketAttributes
}

// Resource implements Variant.
func (b *ControlledGcsBucket) Resource() *Resource {
	res := b.res.Clone()
	if attrs, err := b.ToAttributes(); err == nil {
		res.Attributes = attrs
	}
	return res
}

// ToAttributes implements Variant.
func (b *ControlledGcsBucket) ToAttributes() (json.RawMessage, error) {
	return json.Marshal(b.Attributes)
}

// Validate implements Variant.
func (b *ControlledGcsBucket) Validate() error {
	if !bucketNamePattern.MatchString(b.Attributes.BucketName) {
		return fmt.Errorf("invalid bucket name %q", b.Attributes.BucketName)
	}
	if b.res.CloudPlatform != workspace.PlatformGCP {
		return fmt.Errorf("%s resources live on %s, not %s", TypeControlledGcsBucket, workspace.PlatformGCP, b.res.CloudPlatform)
	}
	for _, reserved := range []string{cloud.LabelWorkspaceID, cloud.LabelResourceID} {
		if _, ok := b.Attributes.Labels[reserved]; ok {
			return fmt.Errorf("label %s is reserved", reserved)
		}
	}
	return nil
}

// labels returns the user labels plus the ownership labels.
func (b *ControlledGcsBucket) labels() map[string]string {
	labels := maps.Clone(b.Attributes.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[cloud.LabelWorkspaceID] = b.res.WorkspaceID
	labels[cloud.LabelResourceID] = b.res.ResourceID
	return labels
}

// ownedBy reports whether labels mark the bucket as this resource's.
func (b *ControlledGcsBucket) ownedBy(labels map[string]string) bool {
	return labels[cloud.LabelWorkspaceID] == b.res.WorkspaceID &&
		labels[cloud.LabelResourceID] == b.res.ResourceID
}

// BuildCreateSteps implements Variant: derive the name, create the bucket,
// store metadata, grant workspace access.
func (b *ControlledGcsBucket) BuildCreateSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&deriveBucketNameStep{name: b.Attributes.BucketName}, nil)
	fb.AddStep(&createBucketStep{provider: deps.Cloud, bucket: b}, deps.cloudRetry())
	fb.AddStep(&storeMetadataStep{store: deps.Resources, resource: b.Resource()}, deps.dbRetry())
	fb.AddStep(&grantAccessStep{
		provider: deps.Cloud,
		role:     cloud.RoleWriter,
		member:   WorkspaceMember(b.res.WorkspaceID),
	}, deps.cloudRetry())
}

// BuildDeleteSteps implements Variant. Both steps are non-reversible.
func (b *ControlledGcsBucket) BuildDeleteSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&deleteBucketStep{provider: deps.Cloud, name: b.Attributes.BucketName}, deps.cloudRetry())
	fb.AddStep(&deleteMetadataStep{
		store:       deps.Resources,
		workspaceID: b.res.WorkspaceID,
		resourceID:  b.res.ResourceID,
	}, deps.dbRetry())
}

// BuildUpdateSteps implements Variant: relabel the bucket, then update metadata.
func (b *ControlledGcsBucket) BuildUpdateSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&updateLabelsStep{provider: deps.Cloud, bucket: b}, deps.cloudRetry())
	fb.AddStep(&updateMetadataStep{store: deps.Resources, resource: b.Resource()}, deps.dbRetry())
}

type deriveBucketNameStep struct {
	name string
}

func (s *deriveBucketNameStep) Name() string     { return "DeriveBucketName" }
func (s *deriveBucketNameStep) Reads() []string  { return nil }
func (s *deriveBucketNameStep) Writes() []string { return []string{KeyBucketName.Name()} }

func (s *deriveBucketNameStep) Do(_ context.Context, fc *engine.FlightContext) engine.StepResult {
	if err := KeyBucketName.Put(fc.WorkingMap(), s.name); err != nil {
		return engine.FatalFailure(err)
	}
	return engine.Success()
}

func (s *deriveBucketNameStep) Undo(context.Context, *engine.FlightContext) engine.StepResult {
	return engine.Success()
}

// createBucketStep creates the bucket. Finding a bucket labelled with this
// workspace and resource is a replay and succeeds; any other owner, including
// another resource of the same workspace, is a fatal conflict.
type createBucketStep struct {
	provider cloud.Provider
	bucket   *ControlledGcsBucket
}

func (s *createBucketStep) Name() string     { return "CreateGcsBucket" }
func (s *createBucketStep) Reads() []string  { return []string{KeyBucketName.Name()} }
func (s *createBucketStep) Writes() []string { return []string{} }

func (s *createBucketStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	name, err := KeyBucketName.Get(fc.WorkingMap())
	if err != nil {
		return engine.FatalFailure(err)
	}

	err = s.provider.CreateBucket(ctx, cloud.BucketSpec{
		Name:         name,
		Location:     s.bucket.Attributes.Location,
		StorageClass: s.bucket.Attributes.StorageClass,
		Labels:       s.bucket.labels(),
	})
	if err == nil {
		return engine.Success()
	}
	if !errors.Is(err, cloud.ErrConflict) {
		return cloudFailure("failed to create bucket", err)
	}

	labels, lerr := s.provider.GetBucketLabels(ctx, name)
	if lerr != nil {
		if errors.Is(lerr, cloud.ErrNotFound) {
			// Deleted between the two calls; try again.
			return cloudFailure("bucket vanished during create", lerr)
		}
		return cloudFailure("failed to read bucket labels", lerr)
	}
	if s.bucket.ownedBy(labels) {
		return engine.Success()
	}
	return engine.FatalFailure(engine.NewConflictError(
		fmt.Sprintf("bucket %s already exists", name), err).
		WithCode(engine.ErrCodeAlreadyExists).
		WithStatus(http.StatusConflict))
}

func (s *createBucketStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	name, err := KeyBucketName.Get(fc.WorkingMap())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if err := s.provider.DeleteBucket(ctx, name); err != nil && !errors.Is(err, cloud.ErrNotFound) {
		return cloudFailure("failed to delete bucket", err)
	}
	return engine.Success()
}

// grantAccessStep adds a binding to the bucket policy with a read-modify-write
// guarded by the policy etag. A concurrent change is retried.
type grantAccessStep struct {
	provider cloud.Provider
	role     string
	member   string
}

func (s *grantAccessStep) Name() string     { return "GrantBucketAccess" }
func (s *grantAccessStep) Reads() []string  { return []string{KeyBucketName.Name()} }
func (s *grantAccessStep) Writes() []string { return []string{} }

func (s *grantAccessStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	return s.modify(ctx, fc, func(p *cloud.AccessPolicy) bool { return p.AddMember(s.role, s.member) }, false)
}

func (s *grantAccessStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	return s.modify(ctx, fc, func(p *cloud.AccessPolicy) bool { return p.RemoveMember(s.role, s.member) }, true)
}

func (s *grantAccessStep) modify(ctx context.Context, fc *engine.FlightContext, change func(*cloud.AccessPolicy) bool, missingOK bool) engine.StepResult {
	name, err := KeyBucketName.Get(fc.WorkingMap())
	if err != nil {
		return engine.FatalFailure(err)
	}

	policy, etag, err := s.provider.GetAccessPolicy(ctx, name)
	if err != nil {
		if errors.Is(err, cloud.ErrNotFound) {
			if missingOK {
				return engine.Success()
			}
			return engine.FatalFailure(workspace.NotFoundError("bucket %s not found", name))
		}
		return cloudFailure("failed to read bucket policy", err)
	}
	if !change(policy) {
		return engine.Success()
	}

	err = s.provider.SetAccessPolicy(ctx, name, policy, etag)
	switch {
	case err == nil:
		return engine.Success()
	case errors.Is(err, cloud.ErrPreconditionFailed):
		return engine.RetryableFailure(engine.NewConflictError("bucket policy changed concurrently", err).
			WithResource(name).
			WithCode(engine.ErrCodeConflict))
	case errors.Is(err, cloud.ErrNotFound) && missingOK:
		return engine.Success()
	default:
		return cloudFailure("failed to write bucket policy", err)
	}
}

// deleteBucketStep deletes the bucket. It cannot be undone.
type deleteBucketStep struct {
	engine.NoUndo
	provider cloud.Provider
	name     string
}

func (s *deleteBucketStep) Name() string { return "DeleteGcsBucket" }

func (s *deleteBucketStep) Do(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
	if err := s.provider.DeleteBucket(ctx, s.name); err != nil && !errors.Is(err, cloud.ErrNotFound) {
		return cloudFailure("failed to delete bucket", err)
	}
	return engine.Success()
}

// updateLabelsStep replaces the bucket labels, saving the old ones first.
type updateLabelsStep struct {
	provider cloud.Provider
	bucket   *ControlledGcsBucket
}

func (s *updateLabelsStep) Name() string     { return "UpdateGcsBucketLabels" }
func (s *updateLabelsStep) Reads() []string  { return []string{KeyPreviousResource.Name()} }
func (s *updateLabelsStep) Writes() []string { return []string{KeyPreviousLabels.Name()} }

// bucketName prefers the stored name; the update payload may omit it.
func (s *updateLabelsStep) bucketName(fc *engine.FlightContext) string {
	prev, ok, err := KeyPreviousResource.Lookup(fc.WorkingMap())
	if err == nil && ok {
		var attrs GcsBucketAttributes
		if prev.DecodeAttributes(&attrs) == nil && attrs.BucketName != "" {
			return attrs.BucketName
		}
	}
	return s.bucket.Attributes.BucketName
}

func (s *updateLabelsStep) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	name := s.bucketName(fc)

	if !fc.WorkingMap().Has(KeyPreviousLabels.Name()) {
		prev, err := s.provider.GetBucketLabels(ctx, name)
		if err != nil {
			if errors.Is(err, cloud.ErrNotFound) {
				return engine.FatalFailure(workspace.NotFoundError("bucket %s not found", name))
			}
			return cloudFailure("failed to read bucket labels", err)
		}
		if err := KeyPreviousLabels.Put(fc.WorkingMap(), prev); err != nil {
			return engine.FatalFailure(err)
		}
	}

	if err := s.provider.SetBucketLabels(ctx, name, s.bucket.labels()); err != nil {
		return cloudFailure("failed to set bucket labels", err)
	}
	return engine.Success()
}

func (s *updateLabelsStep) Undo(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	prev, ok, err := KeyPreviousLabels.Lookup(fc.WorkingMap())
	if err != nil {
		return engine.FatalFailure(err)
	}
	if !ok {
		return engine.Success()
	}
	if err := s.provider.SetBucketLabels(ctx, s.bucketName(fc), prev); err != nil && !errors.Is(err, cloud.ErrNotFound) {
		return cloudFailure("failed to restore bucket labels", err)
	}
	return engine.Success()
}
