package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// ReferencedBucketAttributes is the payload of a referenced bucket.
type ReferencedBucketAttributes struct {
	BucketName string `json:"bucket_name" validate:"required"`
}

// ReferencedGcsBucketHandler decodes REFERENCED_GCS_BUCKET resources.
type ReferencedGcsBucketHandler struct{}

// Type implements Handler.
func (ReferencedGcsBucketHandler) Type() ResourceType { return TypeReferencedGcsBucket }

// Stewardship implements Handler.
func (ReferencedGcsBucketHandler) Stewardship() StewardshipType { return StewardshipReferenced }

// Decode implements Handler.
func (ReferencedGcsBucketHandler) Decode(r *Resource) (Variant, error) {
	var attrs ReferencedBucketAttributes
	if err := r.DecodeAttributes(&attrs); err != nil {
		return nil, err
	}
	res := r.Clone()
	if res.CloudPlatform == "" {
		res.CloudPlatform = workspace.PlatformGCP
	}
	return &ReferencedGcsBucket{res: res, Attributes: attrs}, nil
}

// ReferencedGcsBucket points at a bucket flightdeck does not manage. Its
// flights only touch metadata.
type ReferencedGcsBucket struct {
	res        *Resource
	Attributes ReferencedBucketAttributes
}

func (b *ReferencedGcsBucket) Resource() *Resource {
	res := b.res.Clone()
	if attrs, err := b.ToAttributes(); err == nil {
		res.Attributes = attrs
	}
	return res
}

func (b *ReferencedGcsBucket) ToAttributes() (json.RawMessage, error) {
	return json.Marshal(b.Attributes)
}

func (b *ReferencedGcsBucket) Validate() error {
	if !bucketNamePattern.MatchString(b.Attributes.BucketName) {
		return fmt.Errorf("invalid bucket name %q", b.Attributes.BucketName)
	}
	return nil
}

func (b *ReferencedGcsBucket) BuildCreateSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&checkBucketAccessStep{provider: deps.Cloud, name: b.Attributes.BucketName}, deps.cloudRetry())
	fb.AddStep(&storeMetadataStep{store: deps.Resources, resource: b.Resource()}, deps.dbRetry())
}

func (b *ReferencedGcsBucket) BuildDeleteSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&deleteMetadataStep{
		store:       deps.Resources,
		workspaceID: b.res.WorkspaceID,
		resourceID:  b.res.ResourceID,
	}, deps.dbRetry())
}

func (b *ReferencedGcsBucket) BuildUpdateSteps(fb *engine.FlightBuilder, deps Deps) {
	fb.AddStep(&updateMetadataStep{store: deps.Resources, resource: b.Resource()}, deps.dbRetry())
}

// checkBucketAccessStep fails the flight when the referenced bucket is not
// visible to the service.
type checkBucketAccessStep struct {
	provider cloud.Provider
	name     string
}

func (s *checkBucketAccessStep) Name() string     { return "CheckBucketAccess" }
func (s *checkBucketAccessStep) Reads() []string  { return nil }
func (s *checkBucketAccessStep) Writes() []string { return []string{} }

func (s *checkBucketAccessStep) Do(ctx context.Context, _ *engine.FlightContext) engine.StepResult {
	ok, err := s.provider.BucketExists(ctx, s.name)
	if err != nil {
		return cloudFailure("failed to check bucket", err)
	}
	if !ok {
		return engine.FatalFailure(engine.NewPermanentError(
			fmt.Sprintf("bucket %s does not exist or is not accessible", s.name), cloud.ErrNotFound).
			WithCode(engine.ErrCodeValidation).
			WithStatus(http.StatusBadRequest))
	}
	return engine.Success()
}

func (s *checkBucketAccessStep) Undo(context.Context, *engine.FlightContext) engine.StepResult {
	return engine.Success()
}
