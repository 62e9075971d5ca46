package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

const sampleDoc = `
resources:
  batches:
    className: broker
    options:
      capacity: 256
services:
  env-indexers:
    className: env-indexer
    options:
      topic: batches
    resources:
      topic-read: "topic-read:batches?consumerGroup=env-indexers"
`

func TestParse_DecodesResourcesAndServices(t *testing.T) {
	tree, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)

	require.Contains(t, tree.Resources, "batches")
	assert.Equal(t, "broker", tree.Resources["batches"].ClassName)
	assert.Equal(t, 256, tree.Resources["batches"].Options["capacity"])

	require.Contains(t, tree.Services, "env-indexers")
	svc := tree.Services["env-indexers"]
	assert.Equal(t, "env-indexer", svc.ClassName)
	assert.Equal(t, "topic-read:batches?consumerGroup=env-indexers", svc.Resources["topic-read"])
}

func TestParse_MalformedYamlIsConfigError(t *testing.T) {
	_, err := Parse([]byte("resources: [this is not a map"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Config), "got: %v", err)
}

type widgetOptions struct {
	Capacity int `yaml:"capacity"`
}

func TestDecodeOptions_RoundTripsIntoTypedStruct(t *testing.T) {
	var opts widgetOptions
	err := DecodeOptions(map[string]any{"capacity": 256}, &opts)
	require.NoError(t, err)
	assert.Equal(t, 256, opts.Capacity)
}

type fakeResource struct {
	resource.Tracker
	name string
}

func (r *fakeResource) Name() string { return r.name }
func (r *fakeResource) UsageState(usageType string) resource.UsageState {
	return resource.Active
}
func (r *fakeResource) Wrap(ctx resource.Context) (resource.Wrapped, error) {
	return noopWrapped{}, nil
}
func (r *fakeResource) Close() error { return nil }

type noopWrapped struct{}

func (noopWrapped) Close() error { return nil }

func TestRegistry_BuildResource_UnknownClassNameIsConfigError(t *testing.T) {
	reg := NewRegistry()
	err := reg.BuildResource(resource.NewRegistry(), "batches", Entry{ClassName: "does-not-exist"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Config), "got: %v", err)
}

func TestRegistry_BuildResource_WiresFactoryIntoResourceRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterResourceFactory("broker", func(name string, opts map[string]any) (resource.Resource, error) {
		return &fakeResource{name: name}, nil
	})

	resources := resource.NewRegistry()
	err := reg.BuildResource(resources, "batches", Entry{ClassName: "broker"})
	require.NoError(t, err)

	got, err := resources.Get("batches")
	require.NoError(t, err)
	assert.Equal(t, "batches", got.Name())
}

func TestRegistry_BuildService_UnknownClassNameIsConfigError(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.BuildService(resource.NewRegistry(), "env-indexers", Entry{ClassName: "does-not-exist"})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Config), "got: %v", err)
}

func TestRegistry_BuildService_WiresDeclaredResourcesBeforeCallingFactory(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterResourceFactory("broker", func(name string, opts map[string]any) (resource.Resource, error) {
		return &fakeResource{name: name}, nil
	})

	var gotResources map[string]resource.Wrapped
	reg.RegisterServiceFactory("env-indexer", func(name string, opts map[string]any, resources map[string]resource.Wrapped) (any, error) {
		gotResources = resources
		return "a-service-body", nil
	})

	resources := resource.NewRegistry()
	require.NoError(t, reg.BuildResource(resources, "batches", Entry{ClassName: "broker"}))

	body, wired, err := reg.BuildService(resources, "env-indexers", Entry{
		ClassName: "env-indexer",
		Resources: map[string]string{"topic-read": "topic-read:batches"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a-service-body", body)
	assert.Contains(t, wired, "topic-read")
	assert.Equal(t, wired["topic-read"], gotResources["topic-read"], "BuildService must pass the factory the same wired handles it returns")
}

type recordingWrapped struct{ closed bool }

func (w *recordingWrapped) Close() error { w.closed = true; return nil }

type recordingResource struct {
	fakeResource
	wrapped *recordingWrapped
}

func (r *recordingResource) Wrap(ctx resource.Context) (resource.Wrapped, error) {
	r.wrapped = &recordingWrapped{}
	return r.wrapped, nil
}

func TestRegistry_BuildService_FactoryErrorClosesWiredResources(t *testing.T) {
	reg := NewRegistry()
	var res *recordingResource
	reg.RegisterResourceFactory("broker", func(name string, opts map[string]any) (resource.Resource, error) {
		res = &recordingResource{fakeResource: fakeResource{name: name}}
		return res, nil
	})
	reg.RegisterServiceFactory("env-indexer", func(name string, opts map[string]any, resources map[string]resource.Wrapped) (any, error) {
		return nil, assert.AnError
	})

	resources := resource.NewRegistry()
	require.NoError(t, reg.BuildResource(resources, "batches", Entry{ClassName: "broker"}))

	_, _, err := reg.BuildService(resources, "env-indexers", Entry{
		ClassName: "env-indexer",
		Resources: map[string]string{"topic-read": "topic-read:batches"},
	})
	require.Error(t, err)
	require.NotNil(t, res.wrapped)
	assert.True(t, res.wrapped.closed, "a factory error must close the resources wired for it")
}
