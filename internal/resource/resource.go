// Package resource implements the named, typed, context-wrapped resource
// model: a process-wide Registry of Resources, each exposing capability
// slices selected by usage type through a Wrap call, in the shape of the
// teacher's multi-interface-over-one-backend pattern
// (patterns/core/interfaces.go) generalized per spec.md §9 into an
// explicit dispatch rather than Go-interface-implements-many-interfaces,
// since usage types are a runtime string, not a compile-time interface
// set.
package resource

import (
	"net/url"
	"strings"
	"sync"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

// UsageState is the lifecycle state of a resource as observed for one
// usage type.
type UsageState int

const (
	Active UsageState = iota
	Draining
	Closed
)

func (s UsageState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Draining:
		return "DRAINING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Recognised usage type tags (spec.md §3.1).
const (
	TopicRead     = "topic-read"
	TopicWrite    = "topic-write"
	StorageRead   = "storage-read"
	StorageWrite  = "storage-write"
	DBMetaRead    = "db-meta-read"
	DBMetaWrite   = "db-meta-write"
	DBEnvWrite    = "db-env-write"
	QueueIn       = "queue-in"
	QueueOut      = "queue-out"
)

// Context is the per-wrap request: which service is asking, for which
// usage type, with which URI query parameters.
type Context struct {
	ServiceName string
	UsageType   string
	Params      map[string]string
}

// ParseURI parses a "usageType:name[?k=v&...]" resource reference, the
// wire form services declare in their configuration's resources map
// (spec.md §6.1).
func ParseURI(uri string) (usageType, name string, params map[string]string, err error) {
	colon := strings.IndexByte(uri, ':')
	if colon < 0 {
		return "", "", nil, pkgerrors.ConfigErrorf("resource uri %q missing usageType: prefix", uri)
	}
	usageType = uri[:colon]
	rest := uri[colon+1:]

	name = rest
	params = map[string]string{}
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		name = rest[:q]
		values, perr := url.ParseQuery(rest[q+1:])
		if perr != nil {
			return "", "", nil, pkgerrors.ConfigErrorf("resource uri %q has invalid query: %v", uri, perr)
		}
		for k := range values {
			params[k] = values.Get(k)
		}
	}
	if name == "" {
		return "", "", nil, pkgerrors.ConfigErrorf("resource uri %q missing resource name", uri)
	}
	return usageType, name, params, nil
}

// Wrapped is the typed handle a service actually uses: it owns any
// per-consumer state (dedicated connection, consumer-group id,
// per-service metrics, prepared statements) and must be released when
// the owning service shuts down.
type Wrapped interface {
	Close() error
}

// Resource is a named, long-lived, process-wide collaborator.
type Resource interface {
	Name() string
	// UsageState reports this resource's lifecycle state for a given
	// usage type tag.
	UsageState(usageType string) UsageState
	// Wrap returns the capability slice for ctx.UsageType, or a
	// Config-kind error if the usage type is not recognised.
	Wrap(ctx Context) (Wrapped, error)
	// Close force-closes any wrapper still registered (a leaked
	// wrapper the owning service never released) and releases the
	// resource's own underlying connections/handles.
	Close() error
}

// Tracker is embedded by Resource implementations to maintain the weak
// set of live wrappers spec.md §3.1 describes: wrappers register
// themselves on Wrap and deregister in their own Close; Tracker.CloseAll
// force-closes whatever is left.
type Tracker struct {
	mu       sync.Mutex
	wrappers map[Wrapped]struct{}
}

// Track registers w as live. Returns a deregister func the wrapper's own
// Close must call exactly once.
func (t *Tracker) Track(w Wrapped) (deregister func()) {
	t.mu.Lock()
	if t.wrappers == nil {
		t.wrappers = make(map[Wrapped]struct{})
	}
	t.wrappers[w] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.wrappers, w)
			t.mu.Unlock()
		})
	}
}

// CloseAll force-closes every wrapper still registered and returns the
// first error encountered, if any.
func (t *Tracker) CloseAll() error {
	t.mu.Lock()
	leaked := make([]Wrapped, 0, len(t.wrappers))
	for w := range t.wrappers {
		leaked = append(leaked, w)
	}
	t.wrappers = nil
	t.mu.Unlock()

	var first error
	for _, w := range leaked {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Registry is the process-singleton owner of every Resource.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]Resource)}
}

// Register adds a resource under its own Name(). Registering a name
// twice is a Config-kind error.
func (r *Registry) Register(res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.Name()]; exists {
		return pkgerrors.ConfigErrorf("resource %q already registered", res.Name())
	}
	r.resources[res.Name()] = res
	return nil
}

// Get looks up a resource by name.
func (r *Registry) Get(name string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	if !ok {
		return nil, pkgerrors.ConfigErrorf("resource %q not found", name)
	}
	return res, nil
}

// WrapURI parses a "usageType:name?k=v" uri and wraps the named resource
// for serviceName, returning the typed Wrapped handle.
func (r *Registry) WrapURI(serviceName, uri string) (Wrapped, error) {
	usageType, name, params, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	res, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return res.Wrap(Context{ServiceName: serviceName, UsageType: usageType, Params: params})
}

// CloseAll closes every registered resource, collecting the first error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		all = append(all, res)
	}
	r.resources = make(map[string]Resource)
	r.mu.Unlock()

	var first error
	for _, res := range all {
		if err := res.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UnrecognisedUsageType builds the standard Config-kind rejection error
// a Resource.Wrap implementation returns for a usage type it doesn't
// support.
func UnrecognisedUsageType(resourceName, usageType string) error {
	return pkgerrors.ConfigErrorf("resource %q does not support usage type %q", resourceName, usageType).
		WithContext("resource", resourceName).
		WithContext("usageType", usageType)
}
