package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
)

type fakeWrapped struct {
	closed   bool
	closeErr error
}

func (w *fakeWrapped) Close() error {
	w.closed = true
	return w.closeErr
}

type fakeResource struct {
	Tracker
	name    string
	closed  bool
	wrapErr error
}

func (r *fakeResource) Name() string                      { return r.name }
func (r *fakeResource) UsageState(usageType string) UsageState { return Active }

func (r *fakeResource) Wrap(ctx Context) (Wrapped, error) {
	if r.wrapErr != nil {
		return nil, r.wrapErr
	}
	if ctx.UsageType != TopicRead {
		return nil, UnrecognisedUsageType(r.name, ctx.UsageType)
	}
	w := &fakeWrapped{}
	r.Track(w)
	return w, nil
}

func (r *fakeResource) Close() error {
	r.closed = true
	return r.Tracker.CloseAll()
}

func TestParseURI_NameAndParams(t *testing.T) {
	usageType, name, params, err := ParseURI("topic-read:batches?consumerGroup=env-indexers")
	require.NoError(t, err)
	assert.Equal(t, TopicRead, usageType)
	assert.Equal(t, "batches", name)
	assert.Equal(t, "env-indexers", params["consumerGroup"])
}

func TestParseURI_NoParams(t *testing.T) {
	usageType, name, params, err := ParseURI("db-env-write:envdb")
	require.NoError(t, err)
	assert.Equal(t, DBEnvWrite, usageType)
	assert.Equal(t, "envdb", name)
	assert.Empty(t, params)
}

func TestParseURI_MissingColonIsConfigError(t *testing.T) {
	_, _, _, err := ParseURI("batches")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Config), "got: %v", err)
}

func TestParseURI_MissingNameIsConfigError(t *testing.T) {
	_, _, _, err := ParseURI("topic-read:")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsKind(err, pkgerrors.Config), "got: %v", err)
}

func TestRegistry_RegisterDuplicateNameRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeResource{name: "batches"}))
	err := reg.Register(&fakeResource{name: "batches"})
	require.Error(t, err)
}

func TestRegistry_WrapURI_UnrecognisedUsageTypeIsRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeResource{name: "batches"}))

	_, err := reg.WrapURI("env-indexers", "db-env-write:batches")
	require.Error(t, err)
}

func TestRegistry_WrapURI_UnknownResourceNameIsRejected(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.WrapURI("env-indexers", "topic-read:missing")
	require.Error(t, err)
}

func TestRegistry_CloseAll_ClosesEveryResourceOnce(t *testing.T) {
	reg := NewRegistry()
	a := &fakeResource{name: "a"}
	b := &fakeResource{name: "b"}
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	require.NoError(t, reg.CloseAll())
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	_, err := reg.Get("a")
	require.Error(t, err, "CloseAll must empty the registry so a later Get fails")
}

func TestTracker_CloseAllForceClosesLeakedWrappers(t *testing.T) {
	res := &fakeResource{name: "batches"}
	w, err := res.Wrap(Context{ServiceName: "env-indexers", UsageType: TopicRead})
	require.NoError(t, err)

	require.NoError(t, res.Tracker.CloseAll())
	assert.True(t, w.(*fakeWrapped).closed)
}

func TestTracker_DeregisterPreventsDoubleClose(t *testing.T) {
	var tr Tracker
	w := &fakeWrapped{}
	deregister := tr.Track(w)
	deregister()

	require.NoError(t, tr.CloseAll(), "a deregistered wrapper must not be force-closed again")
	assert.False(t, w.closed)
}
