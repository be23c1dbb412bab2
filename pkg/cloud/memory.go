package cloud

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Interceptor runs before a MemoryProvider operation. A non-nil error is
// returned from the operation instead of running it.
type Interceptor func(bucket string) error

type memBucket struct {
	mu      sync.Mutex
	spec    BucketSpec
	labels  map[string]string
	policy  AccessPolicy
	version int
}

// MemoryProvider is an in-process Provider used by tests and the memory
// cloud configuration.
type MemoryProvider struct {
	buckets      *xsync.MapOf[string, *memBucket]
	interceptors *xsync.MapOf[string, Interceptor]
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		buckets:      xsync.NewMapOf[string, *memBucket](),
		interceptors: xsync.NewMapOf[string, Interceptor](),
	}
}

// Intercept installs fn before every call of the named operation, e.g.
// "SetAccessPolicy". A nil fn removes the interceptor.
func (p *MemoryProvider) Intercept(op string, fn Interceptor) {
	if fn == nil {
		p.interceptors.Delete(op)
		return
	}
	p.interceptors.Store(op, fn)
}

func (p *MemoryProvider) intercept(op, bucket string) error {
	if fn, ok := p.interceptors.Load(op); ok {
		return fn(bucket)
	}
	return nil
}

// Touch bumps a bucket's policy etag as a concurrent writer would.
func (p *MemoryProvider) Touch(name string) {
	if b, ok := p.buckets.Load(name); ok {
		b.mu.Lock()
		b.version++
		b.mu.Unlock()
	}
}

// Len returns the number of buckets.
func (p *MemoryProvider) Len() int {
	return p.buckets.Size()
}

// CreateBucket implements Provider.
func (p *MemoryProvider) CreateBucket(_ context.Context, spec BucketSpec) error {
	if err := p.intercept("CreateBucket", spec.Name); err != nil {
		return err
	}
	b := &memBucket{spec: spec, labels: maps.Clone(spec.Labels)}
	if b.labels == nil {
		b.labels = make(map[string]string)
	}
	if _, loaded := p.buckets.LoadOrStore(spec.Name, b); loaded {
		return ErrConflict
	}
	return nil
}

// DeleteBucket implements Provider.
func (p *MemoryProvider) DeleteBucket(_ context.Context, name string) error {
	if err := p.intercept("DeleteBucket", name); err != nil {
		return err
	}
	if _, loaded := p.buckets.LoadAndDelete(name); !loaded {
		return ErrNotFound
	}
	return nil
}

// BucketExists implements Provider.
func (p *MemoryProvider) BucketExists(_ context.Context, name string) (bool, error) {
	if err := p.intercept("BucketExists", name); err != nil {
		return false, err
	}
	_, ok := p.buckets.Load(name)
	return ok, nil
}

// GetBucketLabels implements Provider.
func (p *MemoryProvider) GetBucketLabels(_ context.Context, name string) (map[string]string, error) {
	if err := p.intercept("GetBucketLabels", name); err != nil {
		return nil, err
	}
	b, ok := p.buckets.Load(name)
	if !ok {
		return nil, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.labels), nil
}

// SetBucketLabels implements Provider.
func (p *MemoryProvider) SetBucketLabels(_ context.Context, name string, labels map[string]string) error {
	if err := p.intercept("SetBucketLabels", name); err != nil {
		return err
	}
	b, ok := p.buckets.Load(name)
	if !ok {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.labels = maps.Clone(labels)
	if b.labels == nil {
		b.labels = make(map[string]string)
	}
	return nil
}

// GetAccessPolicy implements Provider.
func (p *MemoryProvider) GetAccessPolicy(_ context.Context, name string) (*AccessPolicy, string, error) {
	if err := p.intercept("GetAccessPolicy", name); err != nil {
		return nil, "", err
	}
	b, ok := p.buckets.Load(name)
	if !ok {
		return nil, "", ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	policy, err := clonePolicy(&b.policy)
	if err != nil {
		return nil, "", err
	}
	return policy, strconv.Itoa(b.version), nil
}

// SetAccessPolicy implements Provider.
func (p *MemoryProvider) SetAccessPolicy(_ context.Context, name string, policy *AccessPolicy, etag string) error {
	if err := p.intercept("SetAccessPolicy", name); err != nil {
		return err
	}
	b, ok := p.buckets.Load(name)
	if !ok {
		return ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if etag != strconv.Itoa(b.version) {
		return ErrPreconditionFailed
	}
	cloned, err := clonePolicy(policy)
	if err != nil {
		return err
	}
	b.policy = *cloned
	b.version++
	return nil
}

func clonePolicy(p *AccessPolicy) (*AccessPolicy, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out AccessPolicy
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
