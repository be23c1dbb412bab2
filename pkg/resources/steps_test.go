package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// fakeStore is a minimal resource store for step tests.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*Resource
	fail error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*Resource)}
}

func (s *fakeStore) key(ws, id string) string { return ws + "/" + id }

func (s *fakeStore) CreateResource(_ context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, other := range s.rows {
		if other.WorkspaceID == r.WorkspaceID && (other.ResourceID == r.ResourceID || other.Name == r.Name) {
			return ErrResourceExists
		}
	}
	s.rows[s.key(r.WorkspaceID, r.ResourceID)] = r.Clone()
	return nil
}

func (s *fakeStore) GetResource(_ context.Context, ws, id string) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[s.key(ws, id)]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r.Clone(), nil
}

func (s *fakeStore) UpdateResource(_ context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[s.key(r.WorkspaceID, r.ResourceID)]; !ok {
		return ErrResourceNotFound
	}
	s.rows[s.key(r.WorkspaceID, r.ResourceID)] = r.Clone()
	return nil
}

func (s *fakeStore) DeleteResource(_ context.Context, ws, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[s.key(ws, id)]
	delete(s.rows, s.key(ws, id))
	return ok, nil
}

func (s *fakeStore) ListResources(context.Context, string, int, int) ([]*Resource, error) {
	return nil, nil
}

func controlledBucket(t *testing.T, ws, id string) *ControlledGcsBucket {
	t.Helper()
	v, err := ControlledGcsBucketHandler{}.Decode(&Resource{
		WorkspaceID: ws,
		ResourceID:  id,
		Name:        "bucket-" + id,
		Stewardship: StewardshipControlled,
		Type:        TypeControlledGcsBucket,
		Attributes:  json.RawMessage(`{"labels":{"team":"a"}}`),
	})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return v.(*ControlledGcsBucket)
}

func bucketContext(t *testing.T, name string) *engine.FlightContext {
	t.Helper()
	wm := engine.NewWorkingMap()
	if err := KeyBucketName.Put(wm, name); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return engine.NewFlightContext("flight-1", FlightCreateResource, engine.NewFlightMap(), wm)
}

func statusOf(r engine.StepResult) int {
	var sc engine.StatusCoder
	if errors.As(r.Err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func TestDeriveBucketName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"abc", "fd-abc"},
		{"ABC_123", "fd-abc123"},
		{"6f1c0d2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f", "fd-6f1c0d2e-1a2b-4c3d-8e9f-0a1b2c3d4e5f"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := DeriveBucketName(tt.id); got != tt.want {
				t.Errorf("DeriveBucketName(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestCreateBucketStep(t *testing.T) {
	ctx := context.Background()

	t.Run("replay succeeds", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		b := controlledBucket(t, "ws-1", "r1")
		step := &createBucketStep{provider: provider, bucket: b}
		fc := bucketContext(t, b.Attributes.BucketName)

		for i := 0; i < 2; i++ {
			if r := step.Do(ctx, fc); !r.IsSuccess() {
				t.Fatalf("attempt %d: Do() = %v, %v", i, r.Status, r.Err)
			}
		}
		if provider.Len() != 1 {
			t.Errorf("expected 1 bucket, got %d", provider.Len())
		}
		labels, _ := provider.GetBucketLabels(ctx, b.Attributes.BucketName)
		if labels[cloud.LabelWorkspaceID] != "ws-1" || labels[cloud.LabelResourceID] != "r1" || labels["team"] != "a" {
			t.Errorf("unexpected labels %v", labels)
		}
	})

	t.Run("another resource of the workspace is a fatal conflict", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		b := controlledBucket(t, "ws-1", "r2")
		_ = provider.CreateBucket(ctx, cloud.BucketSpec{
			Name: b.Attributes.BucketName,
			Labels: map[string]string{
				cloud.LabelWorkspaceID: "ws-1",
				cloud.LabelResourceID:  "r1",
			},
		})

		r := (&createBucketStep{provider: provider, bucket: b}).Do(ctx, bucketContext(t, b.Attributes.BucketName))
		if r.Status != engine.StepStatusFatal {
			t.Fatalf("expected fatal, got %v", r.Status)
		}
		if got := statusOf(r); got != http.StatusConflict {
			t.Errorf("expected status 409, got %d", got)
		}
	})

	t.Run("owned elsewhere is a fatal conflict", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		b := controlledBucket(t, "ws-1", "r1")
		_ = provider.CreateBucket(ctx, cloud.BucketSpec{
			Name:   b.Attributes.BucketName,
			Labels: map[string]string{cloud.LabelWorkspaceID: "ws-other"},
		})

		r := (&createBucketStep{provider: provider, bucket: b}).Do(ctx, bucketContext(t, b.Attributes.BucketName))
		if r.Status != engine.StepStatusFatal {
			t.Fatalf("expected fatal, got %v", r.Status)
		}
		if got := statusOf(r); got != http.StatusConflict {
			t.Errorf("expected status 409, got %d", got)
		}
	})

	t.Run("undo tolerates a missing bucket", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		b := controlledBucket(t, "ws-1", "r1")
		step := &createBucketStep{provider: provider, bucket: b}
		fc := bucketContext(t, b.Attributes.BucketName)

		_ = step.Do(ctx, fc)
		for i := 0; i < 2; i++ {
			if r := step.Undo(ctx, fc); !r.IsSuccess() {
				t.Fatalf("attempt %d: Undo() = %v, %v", i, r.Status, r.Err)
			}
		}
		if provider.Len() != 0 {
			t.Errorf("expected bucket deleted, got %d", provider.Len())
		}
	})

	t.Run("provider outage is retried", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		provider.Intercept("CreateBucket", func(string) error { return errors.New("connection reset") })
		b := controlledBucket(t, "ws-1", "r1")

		r := (&createBucketStep{provider: provider, bucket: b}).Do(ctx, bucketContext(t, b.Attributes.BucketName))
		if r.Status != engine.StepStatusRetry {
			t.Fatalf("expected retry, got %v", r.Status)
		}
		if !engine.IsRetryable(r.Err) {
			t.Errorf("expected retryable error, got %v", r.Err)
		}
	})
}

func TestGrantAccessStep(t *testing.T) {
	ctx := context.Background()
	name := "fd-grant"
	member := WorkspaceMember("ws-1")

	t.Run("grant is idempotent", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		_ = provider.CreateBucket(ctx, cloud.BucketSpec{Name: name})
		step := &grantAccessStep{provider: provider, role: cloud.RoleWriter, member: member}
		fc := bucketContext(t, name)

		for i := 0; i < 2; i++ {
			if r := step.Do(ctx, fc); !r.IsSuccess() {
				t.Fatalf("attempt %d: Do() = %v, %v", i, r.Status, r.Err)
			}
		}
		policy, _, _ := provider.GetAccessPolicy(ctx, name)
		if !policy.HasMember(cloud.RoleWriter, member) || len(policy.Bindings[0].Members) != 1 {
			t.Errorf("unexpected policy %+v", policy)
		}

		if r := step.Undo(ctx, fc); !r.IsSuccess() {
			t.Fatalf("Undo() = %v, %v", r.Status, r.Err)
		}
		policy, _, _ = provider.GetAccessPolicy(ctx, name)
		if policy.HasMember(cloud.RoleWriter, member) {
			t.Error("expected member removed")
		}
	})

	t.Run("concurrent policy change is retried", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		_ = provider.CreateBucket(ctx, cloud.BucketSpec{Name: name})
		provider.Intercept("SetAccessPolicy", func(bucket string) error {
			provider.Touch(bucket)
			return nil
		})

		r := (&grantAccessStep{provider: provider, role: cloud.RoleWriter, member: member}).Do(ctx, bucketContext(t, name))
		if r.Status != engine.StepStatusRetry {
			t.Fatalf("expected retry, got %v (%v)", r.Status, r.Err)
		}
		if !engine.IsConflict(r.Err) {
			t.Errorf("expected conflict error, got %v", r.Err)
		}
	})

	t.Run("undo after bucket deletion succeeds", func(t *testing.T) {
		provider := cloud.NewMemoryProvider()
		step := &grantAccessStep{provider: provider, role: cloud.RoleWriter, member: member}
		if r := step.Undo(ctx, bucketContext(t, name)); !r.IsSuccess() {
			t.Fatalf("Undo() = %v, %v", r.Status, r.Err)
		}
	})
}

func TestMetadataSteps(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	res := controlledBucket(t, "ws-1", "r1").Resource()
	fc := engine.NewFlightContext("flight-1", FlightCreateResource, engine.NewFlightMap(), engine.NewWorkingMap())

	create := &storeMetadataStep{store: store, resource: res}
	for i := 0; i < 2; i++ {
		if r := create.Do(ctx, fc); !r.IsSuccess() {
			t.Fatalf("attempt %d: Do() = %v, %v", i, r.Status, r.Err)
		}
	}

	other := res.Clone()
	other.ResourceID = "r2"
	r := (&storeMetadataStep{store: store, resource: other}).Do(ctx, fc)
	if r.Status != engine.StepStatusFatal || statusOf(r) != http.StatusConflict {
		t.Errorf("expected fatal 409 on name collision, got %v %d", r.Status, statusOf(r))
	}

	del := &deleteMetadataStep{store: store, workspaceID: "ws-1", resourceID: "r1"}
	for i := 0; i < 2; i++ {
		if r := del.Do(ctx, fc); !r.IsSuccess() {
			t.Fatalf("attempt %d: delete Do() = %v, %v", i, r.Status, r.Err)
		}
	}
	if engine.IsReversible(del) {
		t.Error("metadata delete must be non-reversible")
	}

	store.fail = fmt.Errorf("database is locked")
	r = create.Do(ctx, fc)
	if r.Status != engine.StepStatusRetry {
		t.Errorf("expected retry on store failure, got %v", r.Status)
	}
}

func TestDeleteBucketStep(t *testing.T) {
	ctx := context.Background()
	provider := cloud.NewMemoryProvider()
	_ = provider.CreateBucket(ctx, cloud.BucketSpec{Name: "fd-del"})

	step := &deleteBucketStep{provider: provider, name: "fd-del"}
	fc := engine.NewFlightContext("flight-1", FlightDeleteResource, engine.NewFlightMap(), engine.NewWorkingMap())
	for i := 0; i < 2; i++ {
		if r := step.Do(ctx, fc); !r.IsSuccess() {
			t.Fatalf("attempt %d: Do() = %v, %v", i, r.Status, r.Err)
		}
	}
	if engine.IsReversible(step) {
		t.Error("bucket delete must be non-reversible")
	}
}

func TestUpdateLabelsStep(t *testing.T) {
	ctx := context.Background()
	provider := cloud.NewMemoryProvider()
	b := controlledBucket(t, "ws-1", "r1")
	_ = provider.CreateBucket(ctx, cloud.BucketSpec{
		Name:   b.Attributes.BucketName,
		Labels: map[string]string{cloud.LabelWorkspaceID: "ws-1", "team": "old"},
	})

	fc := engine.NewFlightContext("flight-1", FlightUpdateResource, engine.NewFlightMap(), engine.NewWorkingMap())
	step := &updateLabelsStep{provider: provider, bucket: b}

	// A replay keeps the labels captured by the first attempt.
	for i := 0; i < 2; i++ {
		if r := step.Do(ctx, fc); !r.IsSuccess() {
			t.Fatalf("attempt %d: Do() = %v, %v", i, r.Status, r.Err)
		}
	}
	labels, _ := provider.GetBucketLabels(ctx, b.Attributes.BucketName)
	if labels["team"] != "a" {
		t.Errorf("expected new labels, got %v", labels)
	}

	if r := step.Undo(ctx, fc); !r.IsSuccess() {
		t.Fatalf("Undo() = %v, %v", r.Status, r.Err)
	}
	labels, _ = provider.GetBucketLabels(ctx, b.Attributes.BucketName)
	if labels["team"] != "old" {
		t.Errorf("expected labels restored, got %v", labels)
	}
}

func TestRegistryDecode(t *testing.T) {
	reg := DefaultRegistry()
	valid := func() *Resource {
		return &Resource{
			WorkspaceID: "ws-1",
			ResourceID:  "r1",
			Name:        "data",
			Stewardship: StewardshipControlled,
			Type:        TypeControlledGcsBucket,
			CreatedAt:   time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Resource)
		wantErr bool
	}{
		{"valid controlled bucket", func(*Resource) {}, false},
		{"missing name", func(r *Resource) { r.Name = "" }, true},
		{"unknown type", func(r *Resource) { r.Type = "CONTROLLED_DISK" }, true},
		{"stewardship mismatch", func(r *Resource) { r.Stewardship = StewardshipReferenced }, true},
		{"bad storage class", func(r *Resource) { r.Attributes = json.RawMessage(`{"storage_class":"HOT"}`) }, true},
		{"bad bucket name", func(r *Resource) { r.Attributes = json.RawMessage(`{"bucket_name":"UPPER"}`) }, true},
		{"reserved label", func(r *Resource) {
			r.Attributes = json.RawMessage(`{"labels":{"` + cloud.LabelWorkspaceID + `":"x"}}`)
		}, true},
		{"reserved resource label", func(r *Resource) {
			r.Attributes = json.RawMessage(`{"labels":{"` + cloud.LabelResourceID + `":"x"}}`)
		}, true},
		{"wrong platform", func(r *Resource) { r.CloudPlatform = workspace.PlatformAWS }, true},
		{"referenced bucket", func(r *Resource) {
			r.Stewardship = StewardshipReferenced
			r.Type = TypeReferencedGcsBucket
			r.Attributes = json.RawMessage(`{"bucket_name":"public-data"}`)
		}, false},
		{"referenced bucket without name", func(r *Resource) {
			r.Stewardship = StewardshipReferenced
			r.Type = TypeReferencedGcsBucket
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := valid()
			tt.mutate(res)
			_, err := reg.Decode(res)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var ee *engine.EngineError
				if !errors.As(err, &ee) || ee.StatusCode() != http.StatusBadRequest {
					t.Errorf("expected 400 engine error, got %v", err)
				}
			}
		})
	}

	if got := reg.Types(); len(got) != 2 {
		t.Errorf("expected 2 registered types, got %v", got)
	}
	if err := reg.Register(ControlledGcsBucketHandler{}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
