package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// MinioConfig configures an S3-compatible endpoint, such as Cloud Storage
// interoperability mode or a MinIO server.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" validate:"required"`
	AccessKey string `yaml:"access_key" validate:"required"`
	SecretKey string `yaml:"secret_key" validate:"required"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks required fields.
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("cloud endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("cloud access key and secret key are required")
	}
	return nil
}

// MinioProvider implements Provider over the S3 API. Labels map to bucket
// tags and access bindings to bucket policy statements.
type MinioProvider struct {
	client *minio.Client
	region string
}

// NewMinioProvider creates a provider for the configured endpoint.
func NewMinioProvider(cfg MinioConfig) (*MinioProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return &MinioProvider{client: client, region: cfg.Region}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// classify maps S3 error codes onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case "PreconditionFailed":
		return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
	}
	return err
}

// CreateBucket implements Provider.
func (p *MinioProvider) CreateBucket(ctx context.Context, spec BucketSpec) error {
	region := spec.Location
	if region == "" {
		region = p.region
	}
	if err := p.client.MakeBucket(ctx, spec.Name, minio.MakeBucketOptions{Region: region}); err != nil {
		return classify(err)
	}

	if len(spec.Labels) > 0 {
		if err := p.SetBucketLabels(ctx, spec.Name, spec.Labels); err != nil {
			// An unlabeled bucket cannot be attributed to its workspace.
			_ = p.client.RemoveBucket(ctx, spec.Name)
			return err
		}
	}
	return nil
}

// DeleteBucket implements Provider.
func (p *MinioProvider) DeleteBucket(ctx context.Context, name string) error {
	return classify(p.client.RemoveBucket(ctx, name))
}

// BucketExists implements Provider.
func (p *MinioProvider) BucketExists(ctx context.Context, name string) (bool, error) {
	ok, err := p.client.BucketExists(ctx, name)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// GetBucketLabels implements Provider.
func (p *MinioProvider) GetBucketLabels(ctx context.Context, name string) (map[string]string, error) {
	t, err := p.client.GetBucketTagging(ctx, name)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchTagSet" {
			return map[string]string{}, nil
		}
		return nil, classify(err)
	}
	return t.ToMap(), nil
}

// SetBucketLabels implements Provider.
func (p *MinioProvider) SetBucketLabels(ctx context.Context, name string, labels map[string]string) error {
	if len(labels) == 0 {
		return classify(p.client.RemoveBucketTagging(ctx, name))
	}
	t, err := tags.NewTags(labels, false)
	if err != nil {
		return fmt.Errorf("invalid bucket labels: %w", err)
	}
	return classify(p.client.SetBucketTagging(ctx, name, t))
}

// GetAccessPolicy implements Provider. The etag is a digest of the stored
// policy document.
func (p *MinioProvider) GetAccessPolicy(ctx context.Context, name string) (*AccessPolicy, string, error) {
	doc, err := p.client.GetBucketPolicy(ctx, name)
	if err != nil {
		return nil, "", classify(err)
	}
	policy, err := decodeBucketPolicy(doc)
	if err != nil {
		return nil, "", err
	}
	return policy, policyETag(doc), nil
}

// SetAccessPolicy implements Provider. S3 has no conditional policy write,
// so the etag is compared against a fresh read just before writing.
func (p *MinioProvider) SetAccessPolicy(ctx context.Context, name string, policy *AccessPolicy, etag string) error {
	current, err := p.client.GetBucketPolicy(ctx, name)
	if err != nil {
		return classify(err)
	}
	if policyETag(current) != etag {
		return ErrPreconditionFailed
	}
	doc, err := encodeBucketPolicy(name, policy)
	if err != nil {
		return err
	}
	return classify(p.client.SetBucketPolicy(ctx, name, doc))
}

func policyETag(doc string) string {
	sum := sha256.Sum256([]byte(doc))
	return hex.EncodeToString(sum[:8])
}

const statementPrefix = "flightdeck-"

var roleActions = map[string][]string{
	RoleReader: {"s3:GetObject", "s3:ListBucket"},
	RoleWriter: {"s3:GetObject", "s3:ListBucket", "s3:PutObject", "s3:DeleteObject"},
	RoleOwner:  {"s3:*"},
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string          `json:"Sid,omitempty"`
	Effect    string          `json:"Effect"`
	Principal policyPrincipal `json:"Principal"`
	Action    stringList      `json:"Action"`
	Resource  stringList      `json:"Resource"`
}

type policyPrincipal struct {
	AWS stringList `json:"AWS"`
}

// stringList accepts a JSON string or array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func decodeBucketPolicy(doc string) (*AccessPolicy, error) {
	policy := &AccessPolicy{}
	if strings.TrimSpace(doc) == "" {
		return policy, nil
	}
	var bp bucketPolicy
	if err := json.Unmarshal([]byte(doc), &bp); err != nil {
		return nil, fmt.Errorf("failed to parse bucket policy: %w", err)
	}
	for _, st := range bp.Statement {
		role, ok := strings.CutPrefix(st.Sid, statementPrefix)
		if !ok || st.Effect != "Allow" {
			continue
		}
		for _, member := range st.Principal.AWS {
			policy.AddMember(role, member)
		}
	}
	return policy, nil
}

func encodeBucketPolicy(bucket string, policy *AccessPolicy) (string, error) {
	if policy == nil || len(policy.Bindings) == 0 {
		// An empty document removes the bucket policy.
		return "", nil
	}

	bindings := append([]Binding(nil), policy.Bindings...)
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].Role < bindings[j].Role })

	bp := bucketPolicy{Version: "2012-10-17"}
	for _, b := range bindings {
		actions, ok := roleActions[b.Role]
		if !ok {
			return "", errors.New("unknown access role: " + b.Role)
		}
		bp.Statement = append(bp.Statement, policyStatement{
			Sid:       statementPrefix + b.Role,
			Effect:    "Allow",
			Principal: policyPrincipal{AWS: b.Members},
			Action:    actions,
			Resource:  stringList{"arn:aws:s3:::" + bucket, "arn:aws:s3:::" + bucket + "/*"},
		})
	}
	data, err := json.Marshal(bp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
