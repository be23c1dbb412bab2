package resources

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// Deps are the collaborators resource steps run against.
type Deps struct {
	Resources  Store
	Workspaces workspace.Store
	Contexts   workspace.CloudContextStore
	Cloud      cloud.Provider

	// DBRetry and CloudRetry override the default step retry policies.
	DBRetry    engine.RetryPolicy
	CloudRetry engine.RetryPolicy
}

func (d Deps) dbRetry() engine.RetryPolicy {
	if d.DBRetry != nil {
		return d.DBRetry
	}
	return engine.DefaultDatabaseRetry()
}

func (d Deps) cloudRetry() engine.RetryPolicy {
	if d.CloudRetry != nil {
		return d.CloudRetry
	}
	return engine.DefaultCloudRetry()
}

// Variant is one resource type's implementation of the lifecycle flights.
type Variant interface {
	// Resource returns the metadata with attributes in canonical form.
	Resource() *Resource

	// ToAttributes encodes the type-specific payload.
	ToAttributes() (json.RawMessage, error)

	// Validate checks the payload beyond its struct tags.
	Validate() error

	BuildCreateSteps(b *engine.FlightBuilder, deps Deps)
	BuildDeleteSteps(b *engine.FlightBuilder, deps Deps)
	BuildUpdateSteps(b *engine.FlightBuilder, deps Deps)
}

// Handler decodes resources of one type into their Variant.
type Handler interface {
	Type() ResourceType
	Stewardship() StewardshipType
	Decode(r *Resource) (Variant, error)
}

// Registry maps resource type tags to handlers. Build one at startup with
// NewRegistry; there is no package-level registry.
type Registry struct {
	handlers *xsync.MapOf[ResourceType, Handler]
	validate *validator.Validate
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{
		handlers: xsync.NewMapOf[ResourceType, Handler](),
		validate: validator.New(),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with every built-in resource type.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(ControlledGcsBucketHandler{}, ReferencedGcsBucketHandler{})
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds a handler. Registering a type twice is an error.
func (r *Registry) Register(h Handler) error {
	if _, loaded := r.handlers.LoadOrStore(h.Type(), h); loaded {
		return fmt.Errorf("resource type %s already registered", h.Type())
	}
	return nil
}

// Lookup returns the handler for a type.
func (r *Registry) Lookup(t ResourceType) (Handler, bool) {
	return r.handlers.Load(t)
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []ResourceType {
	var types []ResourceType
	r.handlers.Range(func(t ResourceType, _ Handler) bool {
		types = append(types, t)
		return true
	})
	slices.Sort(types)
	return types
}

// Decode validates a resource and returns its Variant.
func (r *Registry) Decode(res *Resource) (Variant, error) {
	if err := r.validate.Struct(res); err != nil {
		return nil, invalidResource(err)
	}
	h, ok := r.handlers.Load(res.Type)
	if !ok {
		return nil, invalidResource(fmt.Errorf("unknown resource type %s", res.Type))
	}
	if h.Stewardship() != res.Stewardship {
		return nil, invalidResource(fmt.Errorf("resource type %s is %s, not %s", res.Type, h.Stewardship(), res.Stewardship))
	}

	v, err := h.Decode(res)
	if err != nil {
		return nil, invalidResource(err)
	}
	// Variants are structs whose exported fields carry the payload tags.
	if err := r.validate.Struct(v); err != nil {
		return nil, invalidResource(err)
	}
	if err := v.Validate(); err != nil {
		return nil, invalidResource(err)
	}
	return v, nil
}

func invalidResource(err error) error {
	return engine.NewPermanentError("invalid resource", err).
		WithCode(engine.ErrCodeValidation).
		WithStatus(http.StatusBadRequest)
}
