package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "BucketAlreadyOwnedByYou", want: ErrConflict},
		{code: "BucketAlreadyExists", want: ErrConflict},
		{code: "NoSuchBucket", want: ErrNotFound},
		{code: "PreconditionFailed", want: ErrPreconditionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify(minio.ErrorResponse{Code: tt.code, Message: "boom"})
			if !errors.Is(err, tt.want) {
				t.Errorf("classify(%s) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}

	other := minio.ErrorResponse{Code: "AccessDenied"}
	if err := classify(other); errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		t.Errorf("classify(AccessDenied) = %v, want unclassified", err)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestAccessPolicyMembers(t *testing.T) {
	p := &AccessPolicy{}
	if !p.AddMember(RoleReader, "alice") {
		t.Fatal("AddMember() did not change an empty policy")
	}
	if p.AddMember(RoleReader, "alice") {
		t.Error("AddMember() changed the policy twice")
	}
	p.AddMember(RoleReader, "bob")
	if !p.HasMember(RoleReader, "bob") || p.HasMember(RoleOwner, "bob") {
		t.Error("HasMember() mismatch")
	}
	if !p.RemoveMember(RoleReader, "alice") || !p.RemoveMember(RoleReader, "bob") {
		t.Fatal("RemoveMember() did not remove existing members")
	}
	if len(p.Bindings) != 0 {
		t.Errorf("empty binding kept: %+v", p.Bindings)
	}
	if p.RemoveMember(RoleReader, "bob") {
		t.Error("RemoveMember() changed the policy for an absent member")
	}
}

func TestBucketPolicyEncoding(t *testing.T) {
	policy := &AccessPolicy{}
	policy.AddMember(RoleWriter, "arn:aws:iam::123:user/ws-1")
	policy.AddMember(RoleOwner, "arn:aws:iam::123:user/admin")

	doc, err := encodeBucketPolicy("bucket-1", policy)
	if err != nil {
		t.Fatalf("encodeBucketPolicy() error = %v", err)
	}
	decoded, err := decodeBucketPolicy(doc)
	if err != nil {
		t.Fatalf("decodeBucketPolicy() error = %v", err)
	}
	if !decoded.HasMember(RoleWriter, "arn:aws:iam::123:user/ws-1") ||
		!decoded.HasMember(RoleOwner, "arn:aws:iam::123:user/admin") {
		t.Errorf("decoded policy = %+v", decoded)
	}

	// Statements written by other tools are ignored.
	foreign := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":"*"},"Action":"s3:GetObject","Resource":"arn:aws:s3:::bucket-1/*"}]}`
	decoded, err = decodeBucketPolicy(foreign)
	if err != nil {
		t.Fatalf("decodeBucketPolicy(foreign) error = %v", err)
	}
	if len(decoded.Bindings) != 0 {
		t.Errorf("foreign statement decoded as %+v", decoded.Bindings)
	}

	if _, err := encodeBucketPolicy("bucket-1", &AccessPolicy{Bindings: []Binding{{Role: "admin", Members: []string{"x"}}}}); err == nil {
		t.Error("encodeBucketPolicy() accepted an unknown role")
	}
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	spec := BucketSpec{Name: "b1", Labels: map[string]string{LabelWorkspaceID: "ws-1"}}
	if err := p.CreateBucket(ctx, spec); err != nil {
		t.Fatalf("CreateBucket() error = %v", err)
	}
	if err := p.CreateBucket(ctx, spec); !errors.Is(err, ErrConflict) {
		t.Fatalf("second CreateBucket() error = %v, want ErrConflict", err)
	}

	labels, err := p.GetBucketLabels(ctx, "b1")
	if err != nil || labels[LabelWorkspaceID] != "ws-1" {
		t.Fatalf("GetBucketLabels() = %v, %v", labels, err)
	}

	policy, etag, err := p.GetAccessPolicy(ctx, "b1")
	if err != nil {
		t.Fatalf("GetAccessPolicy() error = %v", err)
	}
	policy.AddMember(RoleOwner, "ws-1")

	p.Touch("b1")
	if err := p.SetAccessPolicy(ctx, "b1", policy, etag); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("SetAccessPolicy() with stale etag error = %v", err)
	}

	_, etag, _ = p.GetAccessPolicy(ctx, "b1")
	if err := p.SetAccessPolicy(ctx, "b1", policy, etag); err != nil {
		t.Fatalf("SetAccessPolicy() error = %v", err)
	}
	got, _, _ := p.GetAccessPolicy(ctx, "b1")
	if !got.HasMember(RoleOwner, "ws-1") {
		t.Errorf("policy = %+v", got)
	}

	injected := errors.New("unavailable")
	p.Intercept("DeleteBucket", func(string) error { return injected })
	if err := p.DeleteBucket(ctx, "b1"); !errors.Is(err, injected) {
		t.Fatalf("intercepted DeleteBucket() error = %v", err)
	}
	p.Intercept("DeleteBucket", nil)

	if err := p.DeleteBucket(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBucket() error = %v", err)
	}
	if err := p.DeleteBucket(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteBucket() error = %v, want ErrNotFound", err)
	}
	if _, err := p.GetBucketLabels(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBucketLabels() after delete error = %v", err)
	}
}

func TestMinioConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MinioConfig
		wantErr bool
	}{
		{name: "valid", cfg: MinioConfig{Endpoint: "localhost:9000", AccessKey: "ak", SecretKey: "sk"}},
		{name: "missing endpoint", cfg: MinioConfig{Endpoint: "  ", AccessKey: "ak", SecretKey: "sk"}, wantErr: true},
		{name: "missing secret", cfg: MinioConfig{Endpoint: "localhost:9000", AccessKey: "ak"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			// The client is created lazily; no connection is made here.
			p, err := NewMinioProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMinioProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && p == nil {
				t.Fatal("NewMinioProvider() returned nil provider")
			}
		})
	}
}

func TestPolicyETag(t *testing.T) {
	a := policyETag(`{"Version":"2012-10-17"}`)
	if a != policyETag(`{"Version":"2012-10-17"}`) {
		t.Error("etag is not stable for the same document")
	}
	if a == policyETag(`{"Version":"2012-10-17","Statement":[]}`) {
		t.Error("etag did not change with the document")
	}
	if policyETag("") == "" {
		t.Error("etag of an empty policy is empty")
	}
}
