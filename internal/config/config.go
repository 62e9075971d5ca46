// Package config decodes the declarative configuration tree that names
// resources and services, their factory ids, their options, and — for
// services — the usage-type URIs that wire them to resources. Concrete
// file/flag/env parsing is the launcher's job and stays out of scope;
// this package only owns the shape the launcher decodes into and the
// factory registry spec.md §9 calls for.
package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// Entry is one resource or service declaration.
type Entry struct {
	ClassName string         `yaml:"className"`
	Options   map[string]any `yaml:"options"`
	// Resources is only meaningful for service entries: usageType ->
	// "usageType:name?k=v" uri.
	Resources map[string]string `yaml:"resources"`
}

// Tree is the full declarative configuration: named resource entries and
// named service entries.
type Tree struct {
	Resources map[string]Entry `yaml:"resources"`
	Services  map[string]Entry `yaml:"services"`
}

// Parse decodes a YAML document into a Tree, following the
// marshal-a-submap/unmarshal-into-a-typed-struct idiom of
// plugin.Config.GetBackendConfig: each component later re-decodes its
// own Options map into its own options struct rather than this package
// knowing every component's option shape.
func Parse(doc []byte) (*Tree, error) {
	var t Tree
	if err := yaml.Unmarshal(doc, &t); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.Config, err, "parsing configuration tree")
	}
	return &t, nil
}

// DecodeOptions re-marshals an Entry's Options map and unmarshals it
// into target, giving each factory its own strongly-typed options
// struct.
func DecodeOptions(opts map[string]any, target any) error {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Config, err, "marshalling options")
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return pkgerrors.Wrap(pkgerrors.Config, err, "decoding options")
	}
	return nil
}

// ResourceFactory constructs a resource.Resource named `name` from its
// className-selected options.
type ResourceFactory func(name string, opts map[string]any) (resource.Resource, error)

// ServiceFactory constructs a service body from its className-selected
// options and its already-wrapped resources.
type ServiceFactory func(name string, opts map[string]any, resources map[string]resource.Wrapped) (any, error)

// Registry is the string-keyed factory table spec.md §9 models dynamic
// class loading as: "a registry of factories keyed by string id,
// constructed at startup from configuration; no runtime reflection is
// required."
type Registry struct {
	resourceFactories map[string]ResourceFactory
	serviceFactories  map[string]ServiceFactory
}

func NewRegistry() *Registry {
	return &Registry{
		resourceFactories: make(map[string]ResourceFactory),
		serviceFactories:  make(map[string]ServiceFactory),
	}
}

func (r *Registry) RegisterResourceFactory(className string, f ResourceFactory) {
	r.resourceFactories[className] = f
}

func (r *Registry) RegisterServiceFactory(className string, f ServiceFactory) {
	r.serviceFactories[className] = f
}

// BuildResource constructs and registers a named resource entry against
// reg, using the factory named by entry.ClassName.
func (r *Registry) BuildResource(reg *resource.Registry, name string, entry Entry) error {
	factory, ok := r.resourceFactories[entry.ClassName]
	if !ok {
		return pkgerrors.ConfigErrorf("no resource factory registered for className %q", entry.ClassName)
	}
	res, err := factory(name, entry.Options)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.Config, err, "constructing resource %q", name)
	}
	return reg.Register(res)
}

// WireResources wraps every entry in a service's resources map against
// reg, using serviceName as the wrap context's owning service.
func WireResources(reg *resource.Registry, serviceName string, wants map[string]string) (map[string]resource.Wrapped, error) {
	out := make(map[string]resource.Wrapped, len(wants))
	for usageType, uri := range wants {
		w, err := reg.WrapURI(serviceName, uri)
		if err != nil {
			for _, already := range out {
				_ = already.Close()
			}
			return nil, fmt.Errorf("wiring %s for service %s: %w", usageType, serviceName, err)
		}
		out[usageType] = w
	}
	return out, nil
}

// BuildService constructs a service entry's body using its factory,
// after wiring its declared resources.
func (r *Registry) BuildService(reg *resource.Registry, name string, entry Entry) (any, map[string]resource.Wrapped, error) {
	factory, ok := r.serviceFactories[entry.ClassName]
	if !ok {
		return nil, nil, pkgerrors.ConfigErrorf("no service factory registered for className %q", entry.ClassName)
	}
	wired, err := WireResources(reg, name, entry.Resources)
	if err != nil {
		return nil, nil, err
	}
	body, err := factory(name, entry.Options, wired)
	if err != nil {
		for _, w := range wired {
			_ = w.Close()
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.Config, err, "constructing service %q", name)
	}
	return body, wired, nil
}
